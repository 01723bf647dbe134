// Package config provides configuration types and loading for chatrun.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Store, Queue, Provider, Integration, Media, Server, Worker, Log.
type Config struct {
	Paths       PathsConfig       `json:"paths"`
	Store       StoreConfig       `json:"store"`
	Queue       QueueConfig       `json:"queue"`
	Provider    ProviderConfig    `json:"provider"`
	Integration IntegrationConfig `json:"integration"`
	Media       MediaConfig       `json:"media"`
	Server      ServerConfig      `json:"server"`
	Worker      WorkerConfig      `json:"worker"`
	Log         LogConfig         `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig holds the data directory that other paths default under.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Store – persistence
// ---------------------------------------------------------------------------

// StoreConfig selects the SQLite driver and database file.
type StoreConfig struct {
	Driver string `json:"driver" envconfig:"STORE_DRIVER"`
	Path   string `json:"path" envconfig:"STORE_PATH"`
}

// ---------------------------------------------------------------------------
// Queue – job hand-off
// ---------------------------------------------------------------------------

// QueueConfig configures the job queue and per-job budgets.
type QueueConfig struct {
	Backend       string        `json:"backend" envconfig:"QUEUE_BACKEND"`
	Brokers       string        `json:"brokers" envconfig:"QUEUE_BROKERS"`
	Topic         string        `json:"topic" envconfig:"QUEUE_TOPIC"`
	GroupID       string        `json:"groupId" envconfig:"QUEUE_GROUP_ID"`
	TLS           bool          `json:"tls" envconfig:"QUEUE_TLS"`
	CAFile        string        `json:"caFile,omitempty" envconfig:"QUEUE_CA_FILE"`
	SASLMechanism string        `json:"saslMechanism,omitempty" envconfig:"QUEUE_SASL_MECHANISM"`
	Username      string        `json:"username,omitempty" envconfig:"QUEUE_USERNAME"`
	Password      string        `json:"password,omitempty" envconfig:"QUEUE_PASSWORD"`
	JobTimeout    time.Duration `json:"jobTimeout" envconfig:"QUEUE_JOB_TIMEOUT"`
	SuccessTTL    time.Duration `json:"successTtl" envconfig:"QUEUE_SUCCESS_TTL"`
	FailureTTL    time.Duration `json:"failureTtl" envconfig:"QUEUE_FAILURE_TTL"`
}

// Queue backends.
const (
	QueueKafka  = "kafka"
	QueueMemory = "memory"
)

// ---------------------------------------------------------------------------
// Provider – generation capability
// ---------------------------------------------------------------------------

// ProviderConfig configures the generation backend. An empty APIKey leaves
// generation unconfigured and replies become echoes.
type ProviderConfig struct {
	Kind      string        `json:"kind" envconfig:"PROVIDER_KIND"`
	APIKey    string        `json:"apiKey,omitempty" envconfig:"PROVIDER_API_KEY"`
	APIBase   string        `json:"apiBase,omitempty" envconfig:"PROVIDER_API_BASE"`
	Model     string        `json:"model,omitempty" envconfig:"PROVIDER_MODEL"`
	MaxTokens int           `json:"maxTokens" envconfig:"PROVIDER_MAX_TOKENS"`
	Timeout   time.Duration `json:"timeout" envconfig:"PROVIDER_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Integration – outbound webhook
// ---------------------------------------------------------------------------

// IntegrationConfig holds the optional delivery endpoint.
type IntegrationConfig struct {
	URL string `json:"url,omitempty" envconfig:"INTEGRATION_URL"`
}

// ---------------------------------------------------------------------------
// Media – artifact storage
// ---------------------------------------------------------------------------

// MediaConfig holds the artifact root directory.
type MediaConfig struct {
	Dir string `json:"dir" envconfig:"MEDIA_DIR"`
}

// ---------------------------------------------------------------------------
// Server – HTTP API
// ---------------------------------------------------------------------------

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host" envconfig:"SERVER_HOST"`
	Port int    `json:"port" envconfig:"SERVER_PORT"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ---------------------------------------------------------------------------
// Worker – consumer and maintenance loops
// ---------------------------------------------------------------------------

// WorkerConfig tunes the worker and its maintenance loops.
type WorkerConfig struct {
	LeaseMargin     time.Duration `json:"leaseMargin" envconfig:"WORKER_LEASE_MARGIN"`
	ReaperInterval  time.Duration `json:"reaperInterval" envconfig:"WORKER_REAPER_INTERVAL"`
	ReaperGrace     time.Duration `json:"reaperGrace" envconfig:"WORKER_REAPER_GRACE"`
	MaxReclaims     int           `json:"maxReclaims" envconfig:"WORKER_MAX_RECLAIMS"`
	SweepInterval   time.Duration `json:"sweepInterval" envconfig:"WORKER_SWEEP_INTERVAL"`
	JanitorInterval time.Duration `json:"janitorInterval" envconfig:"WORKER_JANITOR_INTERVAL"`
	LockDir         string        `json:"lockDir" envconfig:"WORKER_LOCK_DIR"`
}

// ---------------------------------------------------------------------------
// Log – structured logging
// ---------------------------------------------------------------------------

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LOG_LEVEL"`
	Format string `json:"format" envconfig:"LOG_FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.chatrun",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Queue: QueueConfig{
			Backend:    QueueKafka,
			Brokers:    "localhost:9092",
			Topic:      "chatrun.jobs",
			GroupID:    "chatrun-workers",
			JobTimeout: 10 * time.Minute,
			SuccessTTL: time.Hour,
			FailureTTL: 24 * time.Hour,
		},
		Provider: ProviderConfig{
			Kind:      "gemini",
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Server: ServerConfig{
			Host: "127.0.0.1", // Secure default
			Port: 8000,
		},
		Worker: WorkerConfig{
			LeaseMargin:     time.Minute,
			ReaperInterval:  30 * time.Second,
			ReaperGrace:     time.Minute,
			MaxReclaims:     3,
			SweepInterval:   5 * time.Second,
			JanitorInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}

	switch c.Queue.Backend {
	case QueueKafka:
		if strings.TrimSpace(c.Queue.Brokers) == "" {
			return fmt.Errorf("queue.brokers is required for the kafka backend")
		}
		if strings.TrimSpace(c.Queue.Topic) == "" {
			return fmt.Errorf("queue.topic is required for the kafka backend")
		}
	case QueueMemory:
	default:
		return fmt.Errorf("queue.backend must be kafka or memory, got %q", c.Queue.Backend)
	}

	switch strings.ToLower(c.Provider.Kind) {
	case "", "gemini", "openai", "anthropic":
	default:
		return fmt.Errorf("provider.kind must be gemini, openai or anthropic, got %q", c.Provider.Kind)
	}

	if raw := strings.TrimSpace(c.Integration.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("integration.url must be an http(s) URL, got %q", raw)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
