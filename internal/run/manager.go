// Package run owns the run lifecycle: submission, claiming, terminal
// transitions and recovery of runs abandoned by a crashed worker.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/chatrun/internal/queue"
	"github.com/KafClaw/chatrun/internal/store"
)

// MaxErrorLength bounds the persisted last_error of a failed run.
const MaxErrorLength = 2000

var (
	// ErrAlreadyClaimed means another worker holds a live lease on the run.
	ErrAlreadyClaimed = errors.New("run already claimed")
	// ErrTerminal means the run already finished.
	ErrTerminal = errors.New("run already finished")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid run transition")
)

var transitions = map[store.RunStatus][]store.RunStatus{
	store.RunQueued:  {store.RunRunning},
	store.RunRunning: {store.RunSucceeded, store.RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to store.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options tune a Manager.
type Options struct {
	JobTimeout  time.Duration
	SuccessTTL  time.Duration
	FailureTTL  time.Duration
	LeaseMargin time.Duration
}

func (o *Options) defaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = queue.DefaultTimeout
	}
	if o.SuccessTTL <= 0 {
		o.SuccessTTL = queue.DefaultSuccessTTL
	}
	if o.FailureTTL <= 0 {
		o.FailureTTL = queue.DefaultFailureTTL
	}
	if o.LeaseMargin <= 0 {
		o.LeaseMargin = time.Minute
	}
}

// Manager performs run state transitions against the store and hands runs to
// the queue.
type Manager struct {
	store *store.Store
	queue queue.Queue
	opts  Options
}

// NewManager creates a Manager.
func NewManager(st *store.Store, q queue.Queue, opts Options) *Manager {
	opts.defaults()
	return &Manager{store: st, queue: q, opts: opts}
}

// Lease is how long a claim protects a run from takeover: the job timeout
// plus a safety margin.
func (m *Manager) Lease() time.Duration {
	return m.opts.JobTimeout + m.opts.LeaseMargin
}

// Submission is the result of posting a user message.
type Submission struct {
	Message *store.Message
	Run     *store.Run
	Job     queue.Handle
}

// Submit stores the user message and its queued run in one transaction, then
// enqueues the run. When enqueueing fails the message and run stay committed
// and the error is returned alongside them.
func (m *Manager) Submit(ctx context.Context, conversationID, text string, metadata map[string]any) (*Submission, error) {
	sub := &Submission{}
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		msg, err := q.InsertMessage(ctx, &store.Message{
			ConversationID: conversationID,
			Sender:         store.SenderUser,
			Content:        store.TextContent{Body: text, Metadata: metadata},
		})
		if err != nil {
			return err
		}
		r, err := q.InsertRun(ctx, &store.Run{
			ConversationID:   conversationID,
			TriggerMessageID: msg.ID,
		})
		if err != nil {
			return err
		}
		sub.Message, sub.Run = msg, r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit message: %w", err)
	}
	slog.Info("Run submitted", "run_id", sub.Run.ID, "conversation_id", conversationID, "message_id", sub.Message.ID)

	h, err := m.Enqueue(ctx, sub.Run.ID)
	if err != nil {
		return sub, err
	}
	sub.Job = h
	return sub, nil
}

// Enqueue records a job for the run and publishes it.
func (m *Manager) Enqueue(ctx context.Context, runID string) (queue.Handle, error) {
	job := queue.NewJob(queue.KindAgentRun, runID, m.opts.JobTimeout, m.opts.SuccessTTL, m.opts.FailureTTL)
	job.EnqueuedAt = m.store.Now()
	if err := m.store.RecordJob(ctx, &store.Job{
		JobID:      job.ID,
		Kind:       job.Kind,
		RunID:      runID,
		Timeout:    job.Timeout(),
		SuccessTTL: job.SuccessTTL(),
		FailureTTL: job.FailureTTL(),
		EnqueuedAt: job.EnqueuedAt,
	}); err != nil {
		return queue.Handle{}, err
	}
	h, err := m.queue.Enqueue(ctx, job)
	if err != nil {
		if ferr := m.store.FinishJob(ctx, job.ID, store.JobFailed, err.Error()); ferr != nil {
			slog.Warn("Failed to record enqueue failure", "job_id", job.ID, "error", ferr)
		}
		return queue.Handle{}, fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	slog.Debug("Run enqueued", "run_id", runID, "job_id", job.ID)
	return h, nil
}

// Claim moves the run to running under owner's lease. A running run whose
// lease has lapsed is taken over without a status change.
func (m *Manager) Claim(ctx context.Context, runID, owner string, lease time.Duration) (*store.Run, error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	now := m.store.Now()
	ok, err := m.store.ClaimRun(ctx, runID, owner, now, now.Add(lease))
	if err != nil {
		return nil, err
	}
	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return r, nil
	}
	if r.Status.Terminal() {
		return r, fmt.Errorf("run %s is %s: %w", runID, r.Status, ErrTerminal)
	}
	return r, fmt.Errorf("run %s held by %s: %w", runID, r.LeaseOwner, ErrAlreadyClaimed)
}

// Succeed marks a running run succeeded.
func (m *Manager) Succeed(ctx context.Context, runID string) error {
	return m.finish(ctx, runID, store.RunSucceeded, "")
}

// Fail marks a running run failed and records cause, truncated to
// MaxErrorLength characters.
func (m *Manager) Fail(ctx context.Context, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return m.finish(ctx, runID, store.RunFailed, Truncate(msg, MaxErrorLength))
}

func (m *Manager) finish(ctx context.Context, runID string, status store.RunStatus, lastError string) error {
	ok, err := m.store.FinishRun(ctx, runID, status, lastError, m.store.Now())
	if err != nil {
		return err
	}
	if ok {
		slog.Info("Run finished", "run_id", runID, "status", status)
		return nil
	}
	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s %s -> %s: %w", runID, r.Status, status, ErrInvalidTransition)
}

// Get returns the current run record.
func (m *Manager) Get(ctx context.Context, runID string) (*store.Run, error) {
	return m.store.GetRun(ctx, runID)
}

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
