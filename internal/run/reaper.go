package run

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ReaperConfig tunes the reaper loop.
type ReaperConfig struct {
	Interval    time.Duration
	Grace       time.Duration
	MaxReclaims int
	BatchSize   int
}

// Reaper re-enqueues runs left in running by a worker that stopped before
// finishing them. Each run is re-enqueued at most MaxReclaims times and then
// failed.
type Reaper struct {
	mgr *Manager
	cfg ReaperConfig
}

// NewReaper creates a reaper with defaults filled in.
func NewReaper(mgr *Manager, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.MaxReclaims <= 0 {
		cfg.MaxReclaims = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reaper{mgr: mgr, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	slog.Info("Run reaper started", "interval", r.cfg.Interval, "grace", r.cfg.Grace, "max_reclaims", r.cfg.MaxReclaims)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Run reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Run reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep handles one batch of expired runs and returns how many it acted on.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	st := r.mgr.store
	now := st.Now()
	runs, err := st.ListExpiredRuns(ctx, now.Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, expired := range runs {
		if expired.Reclaims >= r.cfg.MaxReclaims {
			slog.Warn("Run lease expired too often, failing", "run_id", expired.ID, "reclaims", expired.Reclaims)
			if err := r.mgr.Fail(ctx, expired.ID, errors.New("lease expired")); err != nil {
				slog.Warn("Failed to fail expired run", "run_id", expired.ID, "error", err)
				continue
			}
			n++
			continue
		}
		if err := st.MarkReclaimed(ctx, expired.ID, now); err != nil {
			return n, err
		}
		if _, err := r.mgr.Enqueue(ctx, expired.ID); err != nil {
			slog.Warn("Failed to re-enqueue expired run", "run_id", expired.ID, "error", err)
			continue
		}
		slog.Info("Expired run re-enqueued", "run_id", expired.ID, "reclaims", expired.Reclaims+1, "previous_owner", expired.LeaseOwner)
		n++
	}
	return n, nil
}
