package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordJob stores a freshly enqueued job.
func (q *Queries) RecordJob(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = JobEnqueued
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.Now()
	}
	_, err := q.q.ExecContext(ctx, `
	INSERT INTO jobs (job_id, kind, run_id, status, timeout_seconds, success_ttl_seconds, failure_ttl_seconds, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.Kind, j.RunID, string(j.Status),
		int64(j.Timeout/time.Second), int64(j.SuccessTTL/time.Second), int64(j.FailureTTL/time.Second),
		formatTime(j.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// FinishJob stores a job outcome and the time after which it may be pruned.
// The retention window is the job's success or failure TTL.
func (q *Queries) FinishJob(ctx context.Context, jobID string, status JobStatus, errText string) error {
	now := q.Now()
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	ttl := j.SuccessTTL
	if status == JobFailed {
		ttl = j.FailureTTL
	}
	expires := now.Add(ttl)
	_, err = q.q.ExecContext(ctx, `
	UPDATE jobs SET status = ?, error = ?, finished_at = ?, expires_at = ? WHERE job_id = ?`,
		string(status), nullString(errText), formatTime(now), formatTime(expires), jobID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob returns a job record by id.
func (q *Queries) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	var status, enqueuedAt string
	var timeout, successTTL, failureTTL int64
	var finishedAt, expiresAt sql.NullString
	err := q.q.QueryRowContext(ctx, `
	SELECT job_id, kind, run_id, status, COALESCE(error,''), timeout_seconds, success_ttl_seconds, failure_ttl_seconds,
		enqueued_at, finished_at, expires_at
	FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&j.JobID, &j.Kind, &j.RunID, &status, &j.Error, &timeout, &successTTL, &failureTTL,
		&enqueuedAt, &finishedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Status = JobStatus(status)
	j.Timeout = time.Duration(timeout) * time.Second
	j.SuccessTTL = time.Duration(successTTL) * time.Second
	j.FailureTTL = time.Duration(failureTTL) * time.Second
	if j.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if j.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// PruneJobs deletes finished jobs whose retention window has passed.
func (q *Queries) PruneJobs(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at < ?`, formatTime(q.Now()))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}
