// Package delivery notifies the external integration endpoint of finished
// runs, retrying on a persisted schedule.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/chatrun/internal/store"
)

const (
	// MaxAttempts is the number of POSTs made per delivery.
	MaxAttempts = 3
	// AttemptTimeout bounds a single POST.
	AttemptTimeout = 30 * time.Second
	// maxErrorBody is how much of a failed response body is kept.
	maxErrorBody = 200
)

// Backoff[k-1] is the wait after failed attempt k. The last entry precedes
// no further attempt; it only delays recording the failed status.
var Backoff = [MaxAttempts]time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notifier posts run summaries to a webhook.
type Notifier struct {
	url    string
	store  *store.Store
	client *http.Client
	sleep  SleepFunc
}

// NewNotifier creates a Notifier. An empty url disables delivery entirely.
func NewNotifier(st *store.Store, url string) *Notifier {
	return &Notifier{
		url:    strings.TrimSpace(url),
		store:  st,
		client: &http.Client{},
		sleep:  sleepContext,
	}
}

// WithSleep replaces the backoff wait.
func (n *Notifier) WithSleep(sleep SleepFunc) *Notifier {
	n.sleep = sleep
	return n
}

// WithHTTPClient replaces the HTTP client. Per-attempt timeouts are applied
// through the request context regardless.
func (n *Notifier) WithHTTPClient(c *http.Client) *Notifier {
	n.client = c
	return n
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Deliver gets or creates the run's delivery record and works through its
// remaining attempts. It returns nil without touching the store when delivery
// is disabled. Errors are store or cancellation failures; endpoint failures
// are recorded on the delivery.
func (n *Notifier) Deliver(ctx context.Context, p Payload) (*store.Delivery, error) {
	if !n.Enabled() {
		slog.Info("Integration disabled, skipping delivery", "run_id", p.RunID)
		return nil, nil
	}
	d, created, err := n.store.EnsureDelivery(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Starting integration delivery", "run_id", p.RunID, "delivery_id", d.ID)
	} else {
		slog.Info("Resuming integration delivery", "run_id", p.RunID, "delivery_id", d.ID,
			"status", d.Status, "attempts", d.Attempts)
	}
	return n.Resume(ctx, d, p)
}

// Resume continues an existing delivery from its attempts counter, first
// waiting until its persisted next attempt time.
func (n *Notifier) Resume(ctx context.Context, d *store.Delivery, p Payload) (*store.Delivery, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return d, fmt.Errorf("encode payload: %w", err)
	}

	for d.Status == store.DeliveryPending {
		if d.NextAttemptAt != nil {
			if wait := d.NextAttemptAt.Sub(n.store.Now()); wait > 0 {
				slog.Info("Waiting before next delivery step", "run_id", p.RunID, "delivery_id", d.ID, "wait", wait)
				if err := n.sleep(ctx, wait); err != nil {
					return d, err
				}
			}
		}

		if d.Attempts >= MaxAttempts {
			if err := n.store.CompleteDelivery(ctx, d.ID, store.DeliveryFailed); err != nil {
				return d, err
			}
			d.Status, d.NextAttemptAt = store.DeliveryFailed, nil
			slog.Error("Integration delivery failed after all attempts", "run_id", p.RunID, "delivery_id", d.ID,
				"attempts", d.Attempts, "last_error", d.LastError)
			return d, nil
		}

		attempt, err := n.store.BeginDeliveryAttempt(ctx, d.ID)
		if err != nil {
			return d, err
		}
		d.Attempts, d.NextAttemptAt = attempt, nil
		slog.Info("Integration delivery attempt", "run_id", p.RunID, "delivery_id", d.ID, "attempt", attempt, "max_attempts", MaxAttempts)

		status, failure := n.post(ctx, body)
		if failure == "" {
			if err := n.store.CompleteDelivery(ctx, d.ID, store.DeliverySucceeded); err != nil {
				return d, err
			}
			d.Status = store.DeliverySucceeded
			slog.Info("Integration delivery succeeded", "run_id", p.RunID, "delivery_id", d.ID,
				"status_code", status, "attempts", attempt)
			return d, nil
		}
		if ctx.Err() != nil {
			return d, ctx.Err()
		}

		next := n.store.Now().Add(backoffFor(attempt))
		if err := n.store.RecordDeliveryFailure(ctx, d.ID, failure, &next); err != nil {
			return d, err
		}
		d.LastError, d.NextAttemptAt = failure, &next
		slog.Warn("Integration delivery attempt failed", "run_id", p.RunID, "delivery_id", d.ID,
			"attempt", attempt, "status_code", status, "error", failure)
	}
	return d, nil
}

func backoffFor(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(Backoff) {
		i = len(Backoff) - 1
	}
	return Backoff[i]
}

// post makes one attempt. It returns the failure text, empty on success.
func (n *Notifier) post(ctx context.Context, body []byte) (int, string) {
	reqCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ""
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBody))
	return resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), maxErrorBody))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
