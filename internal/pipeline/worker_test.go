package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/chatrun/internal/agent"
	"github.com/KafClaw/chatrun/internal/delivery"
	"github.com/KafClaw/chatrun/internal/media"
	"github.com/KafClaw/chatrun/internal/provider"
	"github.com/KafClaw/chatrun/internal/queue"
	"github.com/KafClaw/chatrun/internal/run"
	"github.com/KafClaw/chatrun/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// observingGenerator records the run status seen while generating.
type observingGenerator struct {
	st       *store.Store
	text     string
	err      error
	mu       sync.Mutex
	observed []store.RunStatus
	calls    int
}

func (g *observingGenerator) Name() string { return "observing" }

func (g *observingGenerator) Generate(ctx context.Context, _ *provider.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if runs, err := g.st.DB().QueryContext(ctx, `SELECT status FROM runs`); err == nil {
		for runs.Next() {
			var s string
			if runs.Scan(&s) == nil {
				g.observed = append(g.observed, store.RunStatus(s))
			}
		}
		runs.Close()
	}
	return g.text, g.err
}

// stallingGenerator blocks on its first call until ctx is done.
type stallingGenerator struct {
	calls atomic.Int32
}

func (g *stallingGenerator) Name() string { return "stalling" }

func (g *stallingGenerator) Generate(ctx context.Context, req *provider.Request) (string, error) {
	if g.calls.Add(1) == 1 {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "recovered: " + req.Input, nil
}

type fixture struct {
	st     *store.Store
	clock  *clock
	q      *queue.MemoryQueue
	runs   *run.Manager
	conv   *store.Conversation
	dir    string
	sleeps []time.Duration
}

func newFixture(t *testing.T, jobTimeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.DriverModernc, filepath.Join(dir, "chatrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.SetClock(c.Now)

	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { q.Close() })
	conv, err := st.CreateConversation(context.Background(), &store.Conversation{UserID: "user-1"})
	require.NoError(t, err)
	return &fixture{
		st:    st,
		clock: c,
		q:     q,
		runs:  run.NewManager(st, q, run.Options{JobTimeout: jobTimeout}),
		conv:  conv,
		dir:   dir,
	}
}

func (f *fixture) notifier(url string) *delivery.Notifier {
	return delivery.NewNotifier(f.st, url).WithSleep(func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		f.clock.Advance(d)
		return nil
	})
}

func (f *fixture) worker(gen provider.Generator, n *delivery.Notifier) *Worker {
	return NewWorker(f.st, f.q, f.runs, agent.NewEngine(f.st, gen),
		media.NewGenerator(f.st, media.NewStorage(filepath.Join(f.dir, "media"))), n).WithOwner("test-worker")
}

func (f *fixture) submit(t *testing.T, text string) *run.Submission {
	t.Helper()
	sub, err := f.runs.Submit(context.Background(), f.conv.ID, text, nil)
	require.NoError(t, err)
	return sub
}

func (f *fixture) processNext(t *testing.T, w *Worker) *queue.Received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := f.q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Process(context.Background(), rec))
	return rec
}

func (f *fixture) runMessages(t *testing.T, runID string) []store.Message {
	t.Helper()
	msgs, err := f.st.ListRunMessages(context.Background(), runID)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) getRun(t *testing.T, id string) *store.Run {
	t.Helper()
	r, err := f.st.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) job(t *testing.T, id string) *store.Job {
	t.Helper()
	j, err := f.st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestWorkerRunSucceedsThroughStatusSequence(t *testing.T) {
	f := newFixture(t, time.Minute)
	gen := &observingGenerator{st: f.st, text: "hello back"}
	sub := f.submit(t, "hello")
	assert.Equal(t, store.RunQueued, f.getRun(t, sub.Run.ID).Status)

	rec := f.processNext(t, f.worker(gen, nil))

	assert.Equal(t, []store.RunStatus{store.RunRunning}, gen.observed)
	r := f.getRun(t, sub.Run.ID)
	assert.Equal(t, store.RunSucceeded, r.Status)
	require.NotNil(t, r.StartedAt)
	require.NotNil(t, r.FinishedAt)
	assert.Empty(t, r.LeaseOwner)

	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 1)
	text, ok := msgs[0].Text()
	require.True(t, ok)
	assert.Equal(t, "hello back", text)

	assert.Equal(t, store.JobSucceeded, f.job(t, rec.Job.ID).Status)
	assert.Equal(t, []string{rec.Job.ID}, f.q.Acked())
}

func TestWorkerGeneratorErrorFallsBackAndSucceeds(t *testing.T) {
	f := newFixture(t, time.Minute)
	gen := &observingGenerator{st: f.st, err: &provider.APIError{Provider: "gemini", StatusCode: 400, Body: "API key not valid"}}
	sub := f.submit(t, "hello")

	rec := f.processNext(t, f.worker(gen, nil))

	assert.Equal(t, store.RunSucceeded, f.getRun(t, sub.Run.ID).Status)
	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 1)
	text, _ := msgs[0].Text()
	assert.Equal(t, "I received your message: hello", text)
	assert.Equal(t, store.JobSucceeded, f.job(t, rec.Job.ID).Status)
}

func TestWorkerNonTextTriggerFailsRun(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	var r *store.Run
	require.NoError(t, f.st.WithTx(ctx, func(q *store.Queries) error {
		msg, err := q.InsertMessage(ctx, &store.Message{
			ConversationID: f.conv.ID,
			Sender:         store.SenderUser,
			Content:        store.ImageContent{Locator: "/media/abc", Caption: "upload"},
		})
		if err != nil {
			return err
		}
		r, err = q.InsertRun(ctx, &store.Run{ConversationID: f.conv.ID, TriggerMessageID: msg.ID})
		return err
	}))
	_, err := f.runs.Enqueue(ctx, r.ID)
	require.NoError(t, err)

	gen := &observingGenerator{st: f.st, text: "unused"}
	rec := f.processNext(t, f.worker(gen, nil))

	got := f.getRun(t, r.ID)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Contains(t, got.LastError, agent.ErrTriggerNotText.Error())
	assert.Zero(t, gen.calls)
	assert.Empty(t, f.runMessages(t, r.ID))

	j := f.job(t, rec.Job.ID)
	assert.Equal(t, store.JobFailed, j.Status)
	assert.Contains(t, j.Error, agent.ErrTriggerNotText.Error())
	require.NotNil(t, j.ExpiresAt)
	assert.True(t, j.FinishedAt.Add(queue.DefaultFailureTTL).Equal(*j.ExpiresAt))
}

func TestWorkerTransientErrorFallsBackAndSucceeds(t *testing.T) {
	f := newFixture(t, time.Minute)
	gen := &observingGenerator{st: f.st, err: &provider.APIError{Provider: "gemini", StatusCode: 503, Body: "overloaded"}}
	sub := f.submit(t, "hello")

	f.processNext(t, f.worker(gen, nil))

	assert.Equal(t, store.RunSucceeded, f.getRun(t, sub.Run.ID).Status)
	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 1)
	text, _ := msgs[0].Text()
	assert.Equal(t, "I received your message: hello", text)
}

func TestWorkerUnconfiguredGeneratorEchoes(t *testing.T) {
	f := newFixture(t, time.Minute)
	sub := f.submit(t, "ping")

	f.processNext(t, f.worker(nil, nil))

	assert.Equal(t, store.RunSucceeded, f.getRun(t, sub.Run.ID).Status)
	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderAssistant, msgs[0].Sender)
	text, _ := msgs[0].Text()
	assert.Equal(t, "Echo: ping", text)
}

func TestWorkerWithoutIntegrationCreatesNoDeliveries(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.worker(nil, delivery.NewNotifier(f.st, ""))
	for _, text := range []string{"a", "plot: b", "c"} {
		f.submit(t, text)
		f.processNext(t, w)
	}
	n, err := f.st.CountDeliveries(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerDeliveryFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t, time.Minute)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	sub := f.submit(t, "hello")

	f.processNext(t, f.worker(nil, f.notifier(srv.URL)))

	assert.Equal(t, store.RunSucceeded, f.getRun(t, sub.Run.ID).Status)
	d, err := f.st.GetDeliveryByRun(context.Background(), sub.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.EqualValues(t, 3, hits.Load())

	var waited time.Duration
	for _, s := range f.sleeps {
		waited += s
	}
	assert.GreaterOrEqual(t, waited, 7*time.Second)
}

func TestWorkerDeliverySucceedsFirstAttempt(t *testing.T) {
	f := newFixture(t, time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	sub := f.submit(t, "plot: revenue")

	f.processNext(t, f.worker(nil, f.notifier(srv.URL)))

	d, err := f.st.GetDeliveryByRun(context.Background(), sub.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySucceeded, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, f.sleeps)
}

func TestWorkerTriggeredRunAddsOneImage(t *testing.T) {
	f := newFixture(t, time.Minute)
	sub := f.submit(t, "Please PLOT: sales")

	f.processNext(t, f.worker(nil, nil))

	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 2)
	_, isText := msgs[0].Content.(store.TextContent)
	assert.True(t, isText)
	img, isImage := msgs[1].Content.(store.ImageContent)
	require.True(t, isImage)
	assert.Equal(t, "Generated visualization", img.Caption)

	n, err := f.st.CountMedia(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkerArtifactFailureAddsNothing(t *testing.T) {
	f := newFixture(t, time.Minute)
	gen := media.NewGenerator(f.st, media.NewStorage(filepath.Join(f.dir, "media"))).
		WithRenderer(func(string) ([]byte, error) { return nil, errors.New("renderer crashed") })
	w := NewWorker(f.st, f.q, f.runs, agent.NewEngine(f.st, nil), gen, nil)
	sub := f.submit(t, "chart: x")

	f.processNext(t, w)

	assert.Equal(t, store.RunSucceeded, f.getRun(t, sub.Run.ID).Status)
	assert.Len(t, f.runMessages(t, sub.Run.ID), 1)
	n, err := f.st.CountMedia(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerSkipsDuplicateJob(t *testing.T) {
	f := newFixture(t, time.Minute)
	gen := &observingGenerator{st: f.st, text: "once"}
	w := f.worker(gen, nil)
	sub := f.submit(t, "hello")
	_, err := f.runs.Enqueue(context.Background(), sub.Run.ID)
	require.NoError(t, err)

	f.processNext(t, w)
	dup := f.processNext(t, w)

	assert.Equal(t, 1, gen.calls)
	assert.Len(t, f.runMessages(t, sub.Run.ID), 1)
	j := f.job(t, dup.Job.ID)
	assert.Equal(t, store.JobSkipped, j.Status)
	assert.Len(t, f.q.Acked(), 2)
}

func TestWorkerSkipsMissingRun(t *testing.T) {
	f := newFixture(t, time.Minute)
	job := queue.NewJob(queue.KindAgentRun, "no-such-run", time.Minute, time.Hour, time.Hour)
	_, err := f.q.Enqueue(context.Background(), job)
	require.NoError(t, err)

	rec := f.processNext(t, f.worker(nil, nil))
	assert.Equal(t, []string{rec.Job.ID}, f.q.Acked())
}

func TestWorkerSkipsUnknownKind(t *testing.T) {
	f := newFixture(t, time.Minute)
	sub := f.submit(t, "hello")
	_, err := f.q.Receive(context.Background())
	require.NoError(t, err)
	_, err = f.q.Enqueue(context.Background(), queue.NewJob("report", sub.Run.ID, time.Minute, time.Hour, time.Hour))
	require.NoError(t, err)

	f.processNext(t, f.worker(nil, nil))
	assert.Equal(t, store.RunQueued, f.getRun(t, sub.Run.ID).Status)
}

func TestWorkerTimeoutLeavesRunForReaper(t *testing.T) {
	f := newFixture(t, time.Second)
	gen := &stallingGenerator{}
	w := f.worker(gen, nil)
	sub := f.submit(t, "slow")

	rec := f.processNext(t, w)

	r := f.getRun(t, sub.Run.ID)
	assert.Equal(t, store.RunRunning, r.Status)
	assert.Empty(t, f.runMessages(t, sub.Run.ID))
	j := f.job(t, rec.Job.ID)
	assert.Equal(t, store.JobFailed, j.Status)
	assert.Contains(t, j.Error, "job timeout")

	reaper := run.NewReaper(f.runs, run.ReaperConfig{Grace: time.Minute})
	n, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(f.runs.Lease() + 2*time.Minute)
	n, err = reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.processNext(t, w)
	r = f.getRun(t, sub.Run.ID)
	assert.Equal(t, store.RunSucceeded, r.Status)
	assert.Equal(t, 1, r.Reclaims)
	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 1)
	text, _ := msgs[0].Text()
	assert.Equal(t, "recovered: slow", text)
}

func TestWorkerResumeReusesStoredReply(t *testing.T) {
	f := newFixture(t, time.Minute)
	gen := &observingGenerator{st: f.st, text: "fresh"}
	sub := f.submit(t, "hello")
	_, err := f.q.Receive(context.Background())
	require.NoError(t, err)

	// A previous worker stored the reply and stopped before finishing.
	_, err = f.runs.Claim(context.Background(), sub.Run.ID, "crashed-worker", time.Second)
	require.NoError(t, err)
	_, err = f.st.InsertMessage(context.Background(), &store.Message{
		ConversationID: f.conv.ID, RunID: sub.Run.ID, Sender: store.SenderAssistant,
		Content: store.TextContent{Body: "from before"},
	})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	_, err = f.runs.Enqueue(context.Background(), sub.Run.ID)
	require.NoError(t, err)
	f.processNext(t, f.worker(gen, nil))

	assert.Zero(t, gen.calls)
	assert.Equal(t, store.RunSucceeded, f.getRun(t, sub.Run.ID).Status)
	msgs := f.runMessages(t, sub.Run.ID)
	require.Len(t, msgs, 1)
	text, _ := msgs[0].Text()
	assert.Equal(t, "from before", text)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker(nil, nil).Run(ctx) }()

	sub := f.submit(t, "hello")
	require.Eventually(t, func() bool {
		r, err := f.st.GetRun(context.Background(), sub.Run.ID)
		return err == nil && r.Status == store.RunSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerRunReturnsWhenQueueCloses(t *testing.T) {
	f := newFixture(t, time.Minute)
	require.NoError(t, f.q.Close())
	assert.NoError(t, f.worker(nil, nil).Run(context.Background()))
}
