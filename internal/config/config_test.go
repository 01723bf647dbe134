package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points HOME and CHATRUN_HOME at a fresh directory and clears the
// variables Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHATRUN_HOME", tmpDir)
	for _, key := range []string{
		"CHATRUN_CONFIG", "CHATRUN_ENV_FILE", "CHATRUN_STORE_PATH", "CHATRUN_STORE_DRIVER",
		"CHATRUN_QUEUE_BROKERS", "CHATRUN_QUEUE_BACKEND", "CHATRUN_INTEGRATION_URL",
		"CHATRUN_PROVIDER_API_KEY", "CHATRUN_PROVIDER_KIND", "CHATRUN_MEDIA_DIR", "CHATRUN_DATA_DIR",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY", "ANTHROPIC_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return tmpDir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.Store.Driver)
	}
	if cfg.Queue.Backend != QueueKafka {
		t.Errorf("expected kafka backend, got %s", cfg.Queue.Backend)
	}
	if cfg.Queue.JobTimeout != 10*time.Minute {
		t.Errorf("expected job timeout 10m, got %v", cfg.Queue.JobTimeout)
	}
	if cfg.Queue.SuccessTTL != time.Hour || cfg.Queue.FailureTTL != 24*time.Hour {
		t.Errorf("unexpected job retention %v/%v", cfg.Queue.SuccessTTL, cfg.Queue.FailureTTL)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected server host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Integration.URL != "" {
		t.Errorf("expected integration disabled by default, got %q", cfg.Integration.URL)
	}
	if cfg.Worker.MaxReclaims != 3 {
		t.Errorf("expected max reclaims 3, got %d", cfg.Worker.MaxReclaims)
	}
}

func TestLoadDefaultsDerivePaths(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	dataDir := filepath.Join(home, ".chatrun")
	if cfg.Paths.DataDir != dataDir {
		t.Errorf("expected data dir %s, got %s", dataDir, cfg.Paths.DataDir)
	}
	if cfg.Store.Path != filepath.Join(dataDir, "chatrun.db") {
		t.Errorf("unexpected store path %s", cfg.Store.Path)
	}
	if cfg.Media.Dir != filepath.Join(dataDir, "media") {
		t.Errorf("unexpected media dir %s", cfg.Media.Dir)
	}
	if cfg.Worker.LockDir != filepath.Join(dataDir, "locks") {
		t.Errorf("unexpected lock dir %s", cfg.Worker.LockDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".chatrun")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configJSON := `{
		"queue": { "backend": "memory", "topic": "custom.jobs" },
		"server": { "port": 9999 },
		"provider": { "kind": "Anthropic", "model": "claude-haiku" }
	}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configJSON), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Queue.Backend != QueueMemory {
		t.Errorf("expected memory backend, got %s", cfg.Queue.Backend)
	}
	if cfg.Queue.Topic != "custom.jobs" {
		t.Errorf("expected topic from file, got %s", cfg.Queue.Topic)
	}
	if cfg.Queue.GroupID != "chatrun-workers" {
		t.Errorf("expected default group id kept, got %s", cfg.Queue.GroupID)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Provider.Kind != "anthropic" {
		t.Errorf("expected normalized provider kind, got %s", cfg.Provider.Kind)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".chatrun")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"queue":{"brokers":"file:9092"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CHATRUN_QUEUE_BROKERS", "b1:9092,b2:9092")
	t.Setenv("CHATRUN_STORE_PATH", "~/db/chat.db")
	t.Setenv("CHATRUN_STORE_DRIVER", "sqlite3")
	t.Setenv("CHATRUN_INTEGRATION_URL", " https://hooks.example.com/runs ")
	t.Setenv("CHATRUN_PROVIDER_API_KEY", "secret")
	t.Setenv("CHATRUN_MEDIA_DIR", "/srv/media")
	t.Setenv("CHATRUN_QUEUE_JOB_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Queue.Brokers != "b1:9092,b2:9092" {
		t.Errorf("expected brokers from env, got %s", cfg.Queue.Brokers)
	}
	if cfg.Store.Path != filepath.Join(home, "db", "chat.db") {
		t.Errorf("expected expanded store path, got %s", cfg.Store.Path)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %s", cfg.Store.Driver)
	}
	if cfg.Integration.URL != "https://hooks.example.com/runs" {
		t.Errorf("expected trimmed integration url, got %q", cfg.Integration.URL)
	}
	if cfg.Provider.APIKey != "secret" {
		t.Errorf("expected api key from env")
	}
	if cfg.Media.Dir != "/srv/media" {
		t.Errorf("expected media dir from env, got %s", cfg.Media.Dir)
	}
	if cfg.Queue.JobTimeout != 90*time.Second {
		t.Errorf("expected job timeout 90s, got %v", cfg.Queue.JobTimeout)
	}
}

func TestLoadProviderKeyFallback(t *testing.T) {
	isolate(t)
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Provider.APIKey != "gemini-key" {
		t.Errorf("expected gemini key for default kind, got %q", cfg.Provider.APIKey)
	}

	t.Setenv("CHATRUN_PROVIDER_KIND", "anthropic")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Provider.APIKey != "anthropic-key" {
		t.Errorf("expected anthropic key, got %q", cfg.Provider.APIKey)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".chatrun")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"queue":`), 0o600); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".chatrun")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	baseCfg := `{
		"queue": { "topic": "base.jobs", "groupId": "base-group" },
		"server": { "host": "0.0.0.0", "port": 9000 }
	}`
	mainCfg := `{
		"$include": "base.json",
		"queue": { "topic": "${TEST_TOPIC}" },
		"server": { "port": 7777 }
	}`
	if err := os.WriteFile(filepath.Join(configDir, "base.json"), []byte(baseCfg), 0o600); err != nil {
		t.Fatalf("write base config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(mainCfg), 0o600); err != nil {
		t.Fatalf("write main config: %v", err)
	}
	t.Setenv("TEST_TOPIC", "env.jobs")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.Topic != "env.jobs" {
		t.Fatalf("expected env-substituted topic, got %q", cfg.Queue.Topic)
	}
	if cfg.Queue.GroupID != "base-group" {
		t.Fatalf("expected group id from include file, got %q", cfg.Queue.GroupID)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 7777 {
		t.Fatalf("expected merged server config, got %s", cfg.Server.Addr())
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".chatrun")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"$include":"other.json"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "other.json"), []byte(`{"$include":"config.json"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestConfigPathRespectsExplicitPathAndHome(t *testing.T) {
	isolate(t)
	t.Setenv("CHATRUN_HOME", "/srv/chathome")
	t.Setenv("CHATRUN_CONFIG", "~/.chatrun/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/chathome", ".chatrun", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Queue.Topic = "saved.jobs"
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded.Queue.Topic != "saved.jobs" {
		t.Fatalf("expected saved topic, got %q", loaded.Queue.Topic)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Store.Path = "/tmp/chatrun.db"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory queue without brokers", func(c *Config) { c.Queue.Backend = QueueMemory; c.Queue.Brokers = "" }, ""},
		{"https integration", func(c *Config) { c.Integration.URL = "https://example.com/hook" }, ""},
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"missing store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"bad backend", func(c *Config) { c.Queue.Backend = "redis" }, "queue.backend"},
		{"kafka without brokers", func(c *Config) { c.Queue.Brokers = " " }, "queue.brokers"},
		{"bad provider", func(c *Config) { c.Provider.Kind = "llama" }, "provider.kind"},
		{"bad integration url", func(c *Config) { c.Integration.URL = "ftp://example.com" }, "integration.url"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
