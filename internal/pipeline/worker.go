// Package pipeline consumes run jobs and drives each run from claim to a
// terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/chatrun/internal/agent"
	"github.com/KafClaw/chatrun/internal/delivery"
	"github.com/KafClaw/chatrun/internal/media"
	"github.com/KafClaw/chatrun/internal/queue"
	"github.com/KafClaw/chatrun/internal/run"
	"github.com/KafClaw/chatrun/internal/store"
)

// receiveBackoff is the pause after a failed Receive.
const receiveBackoff = time.Second

// Worker processes one job at a time. Scale by running more workers.
type Worker struct {
	store    *store.Store
	queue    queue.Queue
	runs     *run.Manager
	engine   *agent.Engine
	media    *media.Generator
	notifier *delivery.Notifier
	owner    string
}

// NewWorker wires a worker. A nil media generator disables artifacts and a
// nil or disabled notifier disables delivery.
func NewWorker(st *store.Store, q queue.Queue, runs *run.Manager, engine *agent.Engine, gen *media.Generator, n *delivery.Notifier) *Worker {
	return &Worker{
		store:    st,
		queue:    q,
		runs:     runs,
		engine:   engine,
		media:    gen,
		notifier: n,
		owner:    defaultOwner(),
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WithOwner sets the lease owner name.
func (w *Worker) WithOwner(owner string) *Worker {
	if owner != "" {
		w.owner = owner
	}
	return w
}

// Owner returns the lease owner name.
func (w *Worker) Owner() string { return w.owner }

// Run receives and processes jobs until ctx is cancelled or the queue is
// closed.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Worker started", "owner", w.owner)
	for {
		rec, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Worker stopped", "owner", w.owner)
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrClosed) {
				slog.Info("Worker queue closed", "owner", w.owner)
				return nil
			}
			slog.Error("Worker receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if err := w.Process(ctx, rec); err != nil && ctx.Err() != nil {
			slog.Info("Worker stopped mid-job", "owner", w.owner, "job_id", rec.Job.ID)
			return ctx.Err()
		}
	}
}

// Process handles one received job under its timeout, records the job
// outcome and acknowledges it. When ctx itself is cancelled the job is left
// unacknowledged for redelivery and ctx.Err() is returned.
func (w *Worker) Process(ctx context.Context, rec *queue.Received) error {
	job := rec.Job
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = queue.DefaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	status, errText := w.handle(jobCtx, job)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := w.store.FinishJob(ctx, job.ID, status, errText); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("Job has no record", "job_id", job.ID)
		} else {
			slog.Warn("Failed to record job outcome", "job_id", job.ID, "error", err)
		}
	}
	if err := rec.Ack(ctx); err != nil {
		slog.Warn("Failed to acknowledge job", "job_id", job.ID, "run_id", job.RunID, "error", err)
		return err
	}
	slog.Info("Job finished", "job_id", job.ID, "run_id", job.RunID, "status", status,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *Worker) handle(ctx context.Context, job queue.Job) (store.JobStatus, string) {
	if job.Kind != queue.KindAgentRun {
		slog.Warn("Skipping job of unknown kind", "job_id", job.ID, "kind", job.Kind)
		return store.JobSkipped, "unknown job kind " + job.Kind
	}

	r, err := w.runs.Claim(ctx, job.RunID, w.owner, w.runs.Lease())
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("Run not found, skipping job", "job_id", job.ID, "run_id", job.RunID)
		return store.JobSkipped, err.Error()
	case errors.Is(err, run.ErrTerminal), errors.Is(err, run.ErrAlreadyClaimed):
		slog.Info("Run not claimable, skipping job", "job_id", job.ID, "run_id", job.RunID, "reason", err)
		return store.JobSkipped, err.Error()
	case err != nil:
		slog.Error("Run claim failed", "job_id", job.ID, "run_id", job.RunID, "error", err)
		return store.JobFailed, err.Error()
	}

	slog.Info("Agent run started", "run_id", r.ID, "conversation_id", r.ConversationID, "job_id", job.ID,
		"reclaims", r.Reclaims)
	if err := w.execute(ctx, r); err != nil {
		if ctx.Err() != nil {
			slog.Warn("Job timed out, run left for reclaim", "run_id", r.ID, "job_id", job.ID, "error", err)
			return store.JobFailed, "job timeout: " + err.Error()
		}
		return store.JobFailed, run.Truncate(err.Error(), run.MaxErrorLength)
	}
	return store.JobSucceeded, ""
}

// execute runs the claimed run's steps. Each step commits on its own so a
// takeover resumes after the last committed one.
func (w *Worker) execute(ctx context.Context, r *store.Run) error {
	reply, err := w.engine.Execute(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.Error("Agent run failed", "run_id", r.ID, "conversation_id", r.ConversationID, "error", err)
		if ferr := w.runs.Fail(ctx, r.ID, err); ferr != nil {
			slog.Error("Failed to mark run failed", "run_id", r.ID, "error", ferr)
		}
		return err
	}

	if w.media != nil {
		w.media.Attach(ctx, r, reply.Input)
	}

	if w.notifier.Enabled() {
		if err := w.deliver(ctx, r); err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Warn("Integration delivery error", "run_id", r.ID, "error", err)
		}
	}

	if err := w.runs.Succeed(ctx, r.ID); err != nil {
		return err
	}
	slog.Info("Agent run completed", "run_id", r.ID, "conversation_id", r.ConversationID,
		"generation", reply.Result.Kind.String(), "resumed", reply.Resumed)
	return nil
}

func (w *Worker) deliver(ctx context.Context, r *store.Run) error {
	p, err := delivery.BuildPayload(ctx, w.store, r)
	if err != nil {
		return err
	}
	_, err = w.notifier.Deliver(ctx, p)
	return err
}
