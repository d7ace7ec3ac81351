package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
  user_header: X-Forwarded-User
engine:
  mode: local
  timeout_seconds: 15
  user_agent: test-agent
db:
  dsn: postgres://crawler@localhost/sources
  max_conns: 20
  min_conns: 2
  max_conn_lifetime_seconds: 60
  migrate: true
ingest:
  max_error_length: 256
worker:
  concurrency: 6
  queue_depth: 128
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: archive
pubsub:
  project_id: proj
  topic_name: attempts
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" || cfg.Auth.UserHeader != "X-Forwarded-User" {
		t.Fatalf("expected auth overrides to apply: %+v", cfg.Auth)
	}
	if cfg.Engine.Mode != EngineModeLocal || cfg.Engine.UserAgent != "test-agent" {
		t.Fatalf("expected engine overrides to apply: %+v", cfg.Engine)
	}
	if got := cfg.EngineTimeout(); got != 15*time.Second {
		t.Fatalf("expected engine timeout 15s, got %v", got)
	}
	if cfg.DB.MaxConns != 20 || cfg.DB.MinConns != 2 || !cfg.DB.Migrate {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if got := cfg.ConnLifetime(); got != time.Minute {
		t.Fatalf("expected conn lifetime 1m, got %v", got)
	}
	if cfg.Ingest.MaxErrorLength != 256 {
		t.Fatalf("expected max error length 256, got %d", cfg.Ingest.MaxErrorLength)
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.QueueDepth != 128 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Storage.Backend != StorageGCS || cfg.Storage.GCSBucket != "bucket" || cfg.Storage.Prefix != "archive" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.PubSub.ProjectID != "proj" || cfg.PubSub.TopicName != "attempts" {
		t.Fatalf("expected pubsub overrides to apply: %+v", cfg.PubSub)
	}
	if cfg.Logging.Development {
		t.Fatal("expected development logging disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Auth.UserHeader != "X-User" {
		t.Fatalf("expected default user header, got %q", cfg.Auth.UserHeader)
	}
	if cfg.Engine.Mode != EngineModeSidecar || cfg.Engine.BaseURL != "http://localhost:8000" {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.EngineTimeout() != 40*time.Second {
		t.Fatalf("expected 40s engine timeout, got %v", cfg.EngineTimeout())
	}
	if cfg.Ingest.MaxErrorLength != 1024 {
		t.Fatalf("expected max error length 1024, got %d", cfg.Ingest.MaxErrorLength)
	}
	if cfg.Storage.Backend != StorageNone {
		t.Fatalf("expected storage backend none, got %q", cfg.Storage.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SOURCECRAWL_WORKER_CONCURRENCY", "9")
	t.Setenv("SOURCECRAWL_ENGINE_BASE_URL", "http://engine:9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Concurrency != 9 {
		t.Fatalf("expected concurrency 9 from env, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Engine.BaseURL != "http://engine:9000" {
		t.Fatalf("expected engine base url from env, got %q", cfg.Engine.BaseURL)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Auth:    AuthConfig{UserHeader: "X-User"},
		Engine:  EngineConfig{Mode: EngineModeSidecar, BaseURL: "http://localhost:8000", TimeoutSeconds: 40},
		Ingest:  IngestConfig{MaxErrorLength: 1024},
		Worker:  WorkerConfig{Concurrency: 1, QueueDepth: 1},
		Storage: StorageConfig{Backend: StorageNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"missing user header", func(c *Config) { c.Auth.UserHeader = " " }, "auth.user_header"},
		{"unknown engine mode", func(c *Config) { c.Engine.Mode = "headless" }, "engine.mode"},
		{"sidecar without url", func(c *Config) { c.Engine.BaseURL = "" }, "engine.base_url"},
		{"invalid engine timeout", func(c *Config) { c.Engine.TimeoutSeconds = 0 }, "engine.timeout_seconds"},
		{"min conns above max", func(c *Config) { c.DB.MaxConns = 1; c.DB.MinConns = 2 }, "db.min_conns"},
		{"invalid error length", func(c *Config) { c.Ingest.MaxErrorLength = 0 }, "ingest.max_error_length"},
		{"invalid concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"invalid queue depth", func(c *Config) { c.Worker.QueueDepth = 0 }, "worker.queue_depth"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = StorageLocal }, "storage.local_dir"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"pubsub without topic", func(c *Config) { c.PubSub.ProjectID = "proj" }, "pubsub.topic_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
