package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const deliveryColumns = `id, run_id, status, attempts, COALESCE(last_error,''), next_attempt_at, created_at, updated_at`

// EnsureDelivery returns the run's delivery, creating a pending one with zero
// attempts if none exists. created reports whether a row was inserted.
func (q *Queries) EnsureDelivery(ctx context.Context, runID string) (d *Delivery, created bool, err error) {
	now := formatTime(q.Now())
	res, err := q.q.ExecContext(ctx, `
	INSERT INTO deliveries (id, run_id, status, attempts, created_at, updated_at)
	VALUES (?, ?, 'pending', 0, ?, ?)
	ON CONFLICT(run_id) DO NOTHING`,
		uuid.NewString(), runID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("create delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	d, err = q.GetDeliveryByRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return d, n == 1, nil
}

// GetDeliveryByRun returns the delivery record for a run.
func (q *Queries) GetDeliveryByRun(ctx context.Context, runID string) (*Delivery, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE run_id = ?`, runID)
	d, err := scanDelivery(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// BeginDeliveryAttempt increments the attempts counter and clears the
// schedule. It returns the new attempt number.
func (q *Queries) BeginDeliveryAttempt(ctx context.Context, id string) (int, error) {
	_, err := q.q.ExecContext(ctx, `
	UPDATE deliveries SET attempts = attempts + 1, next_attempt_at = NULL, updated_at = ?
	WHERE id = ? AND status = 'pending'`, formatTime(q.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("begin delivery attempt: %w", err)
	}
	var attempts int
	if err := q.q.QueryRowContext(ctx, `SELECT attempts FROM deliveries WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("begin delivery attempt: %w", err)
	}
	return attempts, nil
}

// RecordDeliveryFailure stores the attempt error and, when nextAt is set, the
// time the next attempt becomes due.
func (q *Queries) RecordDeliveryFailure(ctx context.Context, id, lastError string, nextAt *time.Time) error {
	_, err := q.q.ExecContext(ctx, `
	UPDATE deliveries SET last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		lastError, nullTime(nextAt), formatTime(q.Now()), id)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return nil
}

// CompleteDelivery sets a terminal delivery status.
func (q *Queries) CompleteDelivery(ctx context.Context, id string, status DeliveryStatus) error {
	_, err := q.q.ExecContext(ctx, `
	UPDATE deliveries SET status = ?, next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
		string(status), formatTime(q.Now()), id)
	if err != nil {
		return fmt.Errorf("complete delivery: %w", err)
	}
	return nil
}

// ListStalledDeliveries returns pending deliveries whose run already reached a
// terminal status and that have not been touched since staleBefore. These are
// left behind when a worker stops between attempts.
func (q *Queries) ListStalledDeliveries(ctx context.Context, staleBefore time.Time, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.q.QueryContext(ctx, `
	SELECT d.id, d.run_id, d.status, d.attempts, COALESCE(d.last_error,''), d.next_attempt_at, d.created_at, d.updated_at
	FROM deliveries d JOIN runs r ON r.id = d.run_id
	WHERE d.status = 'pending'
		AND r.status IN ('succeeded', 'failed')
		AND d.updated_at < ?
		AND (d.next_attempt_at IS NULL OR d.next_attempt_at <= ?)
	ORDER BY d.created_at ASC
	LIMIT ?`, formatTime(staleBefore), formatTime(q.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// TouchDelivery bumps updated_at, used as a soft claim by the sweeper.
func (q *Queries) TouchDelivery(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE deliveries SET updated_at = ? WHERE id = ? AND status = 'pending' AND updated_at < ?`,
		formatTime(q.Now()), id, formatTime(staleBefore))
	if err != nil {
		return false, fmt.Errorf("touch delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CountDeliveries returns the total number of delivery rows.
func (q *Queries) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

func scanDelivery(scan func(dest ...any) error) (*Delivery, error) {
	var d Delivery
	var status, createdAt, updatedAt string
	var nextAt sql.NullString
	if err := scan(&d.ID, &d.RunID, &status, &d.Attempts, &d.LastError, &nextAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Status = DeliveryStatus(status)
	var err error
	if d.NextAttemptAt, err = parseNullTime(nextAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
