package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/KafClaw/chatrun/internal/store"
)

// Sweeper finishes deliveries left pending by a worker that stopped between
// attempts after its run had already reached a terminal status.
type Sweeper struct {
	notifier *Notifier
	store    *store.Store
	interval time.Duration
	stale    time.Duration
	batch    int
}

// NewSweeper creates a sweeper with defaults of a 5s poll and a 1m stale window.
func NewSweeper(st *store.Store, n *Notifier) *Sweeper {
	return &Sweeper{
		notifier: n,
		store:    st,
		interval: 5 * time.Second,
		stale:    time.Minute,
		batch:    10,
	}
}

// WithInterval sets the poll interval and stale window.
func (s *Sweeper) WithInterval(interval, stale time.Duration) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	if stale > 0 {
		s.stale = stale
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.notifier.Enabled() {
		slog.Info("Delivery sweeper disabled, no integration endpoint")
		<-ctx.Done()
		return ctx.Err()
	}
	slog.Info("Delivery sweeper started", "interval", s.interval, "stale", s.stale)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Delivery sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Delivery sweep failed", "error", err)
			}
		}
	}
}

// Sweep resumes one batch of stalled deliveries and returns how many it
// picked up.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	staleBefore := s.store.Now().Add(-s.stale)
	stalled, err := s.store.ListStalledDeliveries(ctx, staleBefore, s.batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stalled {
		d := &stalled[i]
		ok, err := s.store.TouchDelivery(ctx, d.ID, staleBefore)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		if err := s.resume(ctx, d); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			slog.Error("Delivery sweeper resume failed", "delivery_id", d.ID, "run_id", d.RunID, "error", err)
		}
	}
	return n, nil
}

func (s *Sweeper) resume(ctx context.Context, d *store.Delivery) error {
	r, err := s.store.GetRun(ctx, d.RunID)
	if err != nil {
		return err
	}
	p, err := BuildPayload(ctx, s.store, r)
	if err != nil {
		slog.Warn("Delivery has no payload, marking failed", "delivery_id", d.ID, "run_id", d.RunID, "error", err)
		if ferr := s.store.RecordDeliveryFailure(ctx, d.ID, truncate(err.Error(), maxErrorBody), nil); ferr != nil {
			return ferr
		}
		return s.store.CompleteDelivery(ctx, d.ID, store.DeliveryFailed)
	}
	slog.Info("Delivery sweeper resuming", "delivery_id", d.ID, "run_id", d.RunID, "attempts", d.Attempts)
	_, err = s.notifier.Resume(ctx, d, p)
	return err
}
