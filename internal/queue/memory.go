package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Queue backed by a buffered channel. It is used
// by tests and by the single-process embedded worker.
type MemoryQueue struct {
	ch      chan Job
	closeMu sync.RWMutex
	closed  bool
	mu      sync.Mutex
	acked   []string
}

// NewMemoryQueue creates an in-process queue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

// Enqueue blocks until there is buffer space or ctx is done.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	if err := job.Validate(); err != nil {
		return Handle{}, err
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return Handle{}, ErrClosed
	}
	select {
	case q.ch <- job:
		return Handle{JobID: job.ID, Offset: -1}, nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
}

// Receive blocks until a job is available or ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context) (*Received, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &Received{Job: job, ack: func(context.Context) error {
			q.mu.Lock()
			q.acked = append(q.acked, job.ID)
			q.mu.Unlock()
			return nil
		}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Acked returns the ids of acknowledged jobs in order.
func (q *MemoryQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func (q *MemoryQueue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
