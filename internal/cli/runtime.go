package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/KafClaw/chatrun/internal/agent"
	"github.com/KafClaw/chatrun/internal/config"
	"github.com/KafClaw/chatrun/internal/delivery"
	"github.com/KafClaw/chatrun/internal/media"
	"github.com/KafClaw/chatrun/internal/pipeline"
	"github.com/KafClaw/chatrun/internal/provider"
	"github.com/KafClaw/chatrun/internal/queue"
	"github.com/KafClaw/chatrun/internal/run"
	"github.com/KafClaw/chatrun/internal/store"
)

// memoryQueueSize bounds the in-process queue used by embedded workers.
const memoryQueueSize = 1024

// loadConfig reads and validates configuration, then reinstalls the logger
// with the configured level and format unless flags override them.
func loadConfig(logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := setupLogging(logOut, firstNonEmpty(logLevel, cfg.Log.Level), firstNonEmpty(logFormat, cfg.Log.Format)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// runtime holds the shared components of the serve and worker commands.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	queue    queue.Queue
	runs     *run.Manager
	notifier *delivery.Notifier
}

// openRuntime opens the store and the configured queue. forceMemory selects
// the in-process queue regardless of configuration.
func openRuntime(cfg *config.Config, forceMemory bool) (*runtime, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	q, err := buildQueue(cfg, forceMemory)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &runtime{
		cfg:   cfg,
		store: st,
		queue: q,
		runs: run.NewManager(st, q, run.Options{
			JobTimeout:  cfg.Queue.JobTimeout,
			SuccessTTL:  cfg.Queue.SuccessTTL,
			FailureTTL:  cfg.Queue.FailureTTL,
			LeaseMargin: cfg.Worker.LeaseMargin,
		}),
		notifier: delivery.NewNotifier(st, cfg.Integration.URL),
	}, nil
}

// Close releases the queue and the store.
func (rt *runtime) Close() error {
	return errors.Join(rt.queue.Close(), rt.store.Close())
}

func buildQueue(cfg *config.Config, forceMemory bool) (queue.Queue, error) {
	if forceMemory || cfg.Queue.Backend == config.QueueMemory {
		slog.Info("Using in-process job queue")
		return queue.NewMemoryQueue(memoryQueueSize), nil
	}
	q, err := queue.NewKafkaQueue(queue.KafkaConfig{
		Brokers: cfg.Queue.Brokers,
		Topic:   cfg.Queue.Topic,
		GroupID: cfg.Queue.GroupID,
		Security: queue.Security{
			TLS:           cfg.Queue.TLS,
			CAFile:        cfg.Queue.CAFile,
			SASLMechanism: cfg.Queue.SASLMechanism,
			Username:      cfg.Queue.Username,
			Password:      cfg.Queue.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kafka queue: %w", err)
	}
	slog.Info("Using Kafka job queue", "brokers", cfg.Queue.Brokers, "topic", cfg.Queue.Topic, "group_id", cfg.Queue.GroupID)
	return q, nil
}

// buildGenerator returns nil when no API key is configured; replies then
// echo the input.
func buildGenerator(cfg *config.Config) (provider.Generator, error) {
	gen, err := provider.New(provider.Config{
		Kind:      cfg.Provider.Kind,
		APIKey:    cfg.Provider.APIKey,
		APIBase:   cfg.Provider.APIBase,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		Timeout:   cfg.Provider.Timeout,
	})
	if errors.Is(err, provider.ErrNotConfigured) {
		slog.Warn("No generation API key configured, replies will echo the input")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// newWorker builds a pipeline worker on the runtime's store and queue.
func (rt *runtime) newWorker() (*pipeline.Worker, error) {
	gen, err := buildGenerator(rt.cfg)
	if err != nil {
		return nil, err
	}
	engine := agent.NewEngine(rt.store, gen).WithModel(rt.cfg.Provider.Model, rt.cfg.Provider.MaxTokens)
	artifacts := media.NewGenerator(rt.store, media.NewStorage(rt.cfg.Media.Dir))
	return pipeline.NewWorker(rt.store, rt.queue, rt.runs, engine, artifacts, rt.notifier), nil
}

// maintenance returns the background loops every worker process runs next
// to its consumer.
func (rt *runtime) maintenance() []func(ctx context.Context) error {
	reaper := run.NewReaper(rt.runs, run.ReaperConfig{
		Interval:    rt.cfg.Worker.ReaperInterval,
		Grace:       rt.cfg.Worker.ReaperGrace,
		MaxReclaims: rt.cfg.Worker.MaxReclaims,
	})
	sweeper := delivery.NewSweeper(rt.store, rt.notifier).WithInterval(rt.cfg.Worker.SweepInterval, 0)
	janitor := pipeline.NewJanitor(rt.store, rt.cfg.Worker.LockDir, rt.cfg.Worker.JanitorInterval)
	return []func(ctx context.Context) error{reaper.Run, sweeper.Run, janitor.Run}
}

// ignoreCanceled treats a cancelled context as a clean shutdown.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
