package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/KafClaw/chatrun/internal/store"
)

// Janitor prunes job records whose retention window has passed.
type Janitor struct {
	store    *store.Store
	lock     *LoopLock
	interval time.Duration
}

// NewJanitor creates a janitor. When lockDir is set, a tick only prunes
// while holding the "janitor" loop lock in that directory, so workers
// sharing a database do not prune concurrently.
func NewJanitor(st *store.Store, lockDir string, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	j := &Janitor{store: st, interval: interval}
	if lockDir != "" {
		j.lock = NewLoopLock(lockDir, "janitor")
	}
	return j
}

// Run prunes every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	slog.Info("Job janitor started", "interval", j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Job janitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Job prune failed", "error", err)
			}
		}
	}
}

// Sweep prunes once and returns the number of deleted job records.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	if j.lock == nil {
		return j.prune(ctx)
	}
	var n int64
	acquired, err := j.lock.Do(func() error {
		var err error
		n, err = j.prune(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !acquired {
		holder, _ := j.lock.Holder()
		slog.Debug("Job prune skipped: lock held by another worker", "holder", holder)
	}
	return n, nil
}

func (j *Janitor) prune(ctx context.Context) (int64, error) {
	n, err := j.store.PruneJobs(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Pruned expired jobs", "count", n)
	}
	return n, nil
}
