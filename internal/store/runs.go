package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, conversation_id, trigger_message_id, status, started_at, finished_at,
	COALESCE(last_error,''), COALESCE(lease_owner,''), lease_expires_at, reclaims, created_at`

// InsertRun creates a run in its initial state.
func (q *Queries) InsertRun(ctx context.Context, r *Run) (*Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.Now()
	}
	_, err := q.q.ExecContext(ctx, `
	INSERT INTO runs (id, conversation_id, trigger_message_id, status, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.TriggerMessageID, string(r.Status), formatTime(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// GetRun returns a run by id.
func (q *Queries) GetRun(ctx context.Context, id string) (*Run, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ClaimRun moves a queued run to running, or takes over a running run whose
// lease is no later than now. It reports whether this caller won the claim.
func (q *Queries) ClaimRun(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
	UPDATE runs
	SET status = 'running',
		started_at = COALESCE(started_at, ?),
		lease_owner = ?,
		lease_expires_at = ?
	WHERE id = ?
		AND (status = 'queued'
			OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?))`,
		formatTime(now), owner, formatTime(leaseUntil), id, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	return n == 1, nil
}

// FinishRun moves a running run to a terminal status. It reports false when
// the run was not running.
func (q *Queries) FinishRun(ctx context.Context, id string, status RunStatus, lastError string, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: %s is not a terminal status", status)
	}
	res, err := q.q.ExecContext(ctx, `
	UPDATE runs
	SET status = ?, finished_at = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL
	WHERE id = ? AND status = 'running'`,
		string(status), formatTime(now), nullString(lastError), id)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return n == 1, nil
}

// ListExpiredRuns returns running runs whose lease expired before cutoff.
func (q *Queries) ListExpiredRuns(ctx context.Context, cutoff time.Time, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.q.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
	WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	ORDER BY lease_expires_at ASC
	LIMIT ?`, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkReclaimed counts a reclaim, drops the lease owner and sets the lease
// expiry to expiresAt. A run marked with the current time is immediately
// claimable but is not listed as expired again until the reaper's grace period
// has passed.
func (q *Queries) MarkReclaimed(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE runs SET reclaims = reclaims + 1, lease_owner = NULL, lease_expires_at = ? WHERE id = ? AND status = 'running'`,
		formatTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("mark run reclaimed: %w", err)
	}
	return nil
}

// CountRuns returns the number of runs in a conversation.
func (q *Queries) CountRuns(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var status, createdAt string
	var startedAt, finishedAt, leaseExpiresAt sql.NullString
	if err := scan(&r.ID, &r.ConversationID, &r.TriggerMessageID, &status, &startedAt, &finishedAt,
		&r.LastError, &r.LeaseOwner, &leaseExpiresAt, &r.Reclaims, &createdAt); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	var err error
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if r.LeaseExpiresAt, err = parseNullTime(leaseExpiresAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}
