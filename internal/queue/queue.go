// Package queue hands run references from producers to workers.
//
// A job carries only the run id; consumers always re-read persisted state.
// Delivery is at-least-once: a job that is received but never acknowledged
// may be delivered again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KindAgentRun is the only job kind the pipeline produces.
const KindAgentRun = "agent_run"

// Defaults for the per-job execution budget and result retention.
const (
	DefaultTimeout    = 10 * time.Minute
	DefaultSuccessTTL = time.Hour
	DefaultFailureTTL = 24 * time.Hour
)

// ErrClosed is returned by a queue after Close.
var ErrClosed = errors.New("queue closed")

// Job is the wire envelope of one hand-off.
type Job struct {
	ID                string    `json:"job_id"`
	Kind              string    `json:"kind"`
	RunID             string    `json:"run_id"`
	TimeoutSeconds    int       `json:"timeout_seconds"`
	SuccessTTLSeconds int       `json:"result_ttl_seconds"`
	FailureTTLSeconds int       `json:"failure_ttl_seconds"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id.
func NewJob(kind, runID string, timeout, successTTL, failureTTL time.Duration) Job {
	return Job{
		ID:                uuid.NewString(),
		Kind:              kind,
		RunID:             runID,
		TimeoutSeconds:    int(timeout / time.Second),
		SuccessTTLSeconds: int(successTTL / time.Second),
		FailureTTLSeconds: int(failureTTL / time.Second),
		EnqueuedAt:        time.Now().UTC(),
	}
}

func (j Job) Timeout() time.Duration    { return time.Duration(j.TimeoutSeconds) * time.Second }
func (j Job) SuccessTTL() time.Duration { return time.Duration(j.SuccessTTLSeconds) * time.Second }
func (j Job) FailureTTL() time.Duration { return time.Duration(j.FailureTTLSeconds) * time.Second }

// Validate checks the fields every consumer relies on.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.RunID == "" {
		return fmt.Errorf("job %s: run id is required", j.ID)
	}
	if j.Kind == "" {
		return fmt.Errorf("job %s: kind is required", j.ID)
	}
	return nil
}

func encodeJob(j Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, j.Validate()
}

// Handle identifies an enqueued job.
type Handle struct {
	JobID     string
	Partition int
	Offset    int64
}

// Received is a job taken off the queue. Ack must be called once processing
// has finished, successfully or not; unacknowledged jobs may be redelivered.
type Received struct {
	Job Job
	ack func(ctx context.Context) error
}

// Ack acknowledges the job.
func (r *Received) Ack(ctx context.Context) error {
	if r.ack == nil {
		return nil
	}
	return r.ack(ctx)
}

// Queue is implemented by the Kafka and in-memory transports.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (Handle, error)
	Receive(ctx context.Context) (*Received, error)
	Close() error
}
