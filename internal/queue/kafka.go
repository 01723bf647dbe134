package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers      string
	Topic        string
	GroupID      string
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	Security     Security
}

// KafkaQueue publishes jobs to a topic keyed by run id and consumes them in a
// consumer group. Offsets are committed only on Ack.
type KafkaQueue struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	mu     sync.Mutex
	reader *kafka.Reader
	closed bool
}

// NewKafkaQueue creates the producer side immediately; the consumer is
// created on the first Receive so that API processes never join the group.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if strings.TrimSpace(cfg.Brokers) == "" {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 8 * time.Second
	}
	transport, err := cfg.Security.transport(cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
		Transport:              transport,
	}
	return &KafkaQueue{cfg: cfg, writer: w}, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Enqueue writes the job synchronously. Leader elections are retried a few
// times with a short linear backoff.
func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	if err := job.Validate(); err != nil {
		return Handle{}, err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Handle{}, ErrClosed
	}
	value, err := encodeJob(job)
	if err != nil {
		return Handle{}, err
	}
	msg := kafka.Message{
		Key:   []byte(job.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind)},
			{Key: "job_id", Value: []byte(job.ID)},
		},
		Time: job.EnqueuedAt,
	}

	var writeErr error
	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			slog.Debug("Kafka enqueue retry", "job_id", job.ID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			}
		}
		writeCtx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		writeErr = q.writer.WriteMessages(writeCtx, msg)
		cancel()
		if writeErr == nil {
			return Handle{JobID: job.ID, Offset: -1}, nil
		}
		if errors.Is(writeErr, kafka.NotLeaderForPartition) || errors.Is(writeErr, kafka.LeaderNotAvailable) {
			continue
		}
		break
	}
	return Handle{}, fmt.Errorf("enqueue job %s: %w", job.ID, writeErr)
}

func (q *KafkaQueue) consumer() (*kafka.Reader, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.reader != nil {
		return q.reader, nil
	}
	if q.cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group is required to receive")
	}
	dialer, err := q.cfg.Security.dialer(q.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	q.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     splitBrokers(q.cfg.Brokers),
		Topic:       q.cfg.Topic,
		GroupID:     q.cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     3 * time.Second,
		StartOffset: kafka.FirstOffset,
		Dialer:      dialer,
	})
	return q.reader, nil
}

// Receive fetches the next job. Undecodable records are committed and
// skipped so that one bad record cannot wedge the partition.
func (q *KafkaQueue) Receive(ctx context.Context) (*Received, error) {
	r, err := q.consumer()
	if err != nil {
		return nil, err
	}
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("fetch job: %w", err)
		}
		job, err := decodeJob(msg.Value)
		if err != nil {
			slog.Warn("Kafka queue: dropping undecodable job", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			if cerr := r.CommitMessages(ctx, msg); cerr != nil {
				return nil, fmt.Errorf("commit poison record: %w", cerr)
			}
			continue
		}
		m := msg
		return &Received{Job: job, ack: func(ctx context.Context) error {
			if err := r.CommitMessages(ctx, m); err != nil {
				return fmt.Errorf("commit job %s: %w", job.ID, err)
			}
			return nil
		}}, nil
	}
}

// Close stops the reader and flushes the writer.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var errs []error
	if q.reader != nil {
		errs = append(errs, q.reader.Close())
	}
	errs = append(errs, q.writer.Close())
	return errors.Join(errs...)
}
