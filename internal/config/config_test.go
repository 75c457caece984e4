package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "json" || cfg.Store.Path != "data/store.json" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if !cfg.Store.Postgres.Migrate {
		t.Fatal("expected migrations enabled by default")
	}
	if cfg.Uploads.ChunkSize != 1024*1024 || cfg.Uploads.ItemTimeout != 2*time.Hour {
		t.Fatalf("unexpected upload defaults: %+v", cfg.Uploads)
	}
	if cfg.Supervisor.Binary != "ffmpeg" || cfg.Supervisor.GracePeriod != 10*time.Second {
		t.Fatalf("unexpected supervisor defaults: %+v", cfg.Supervisor)
	}
	if cfg.Batch.MaxConcurrentStarts != 4 {
		t.Fatalf("expected 4 concurrent starts, got %d", cfg.Batch.MaxConcurrentStarts)
	}
	if !cfg.Logs.StoreMirror || cfg.Logs.Redis.Enabled() {
		t.Fatalf("unexpected log sink defaults: %+v", cfg.Logs)
	}
	if len(cfg.CORS.DashboardOrigins) != 0 {
		t.Fatalf("expected no dashboard origins, got %v", cfg.CORS.DashboardOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFindsDefaultFileInConfigDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeConfig(t, filepath.Join(dir, "config"), "orchestrator.yaml", "server:\n  addr: \":9191\"\n")
	t.Chdir(dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9191" {
		t.Fatalf("expected addr from ./config, got %q", cfg.Server.Addr)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "custom.yaml", `
server:
  addr: "127.0.0.1:9000"
  shutdown_timeout: 3s
store:
  driver: postgres
  postgres:
    dsn: postgres://orchestrator@localhost/orchestrator
    max_conns: 12
    acquire_timeout: 750ms
uploads:
  base_url: https://upload.example.com
  workers: 6
  chunk_size: 8388608
platform:
  api: https://platform.example.com
  http_max_attempts: 3
supervisor:
  binary: /usr/local/bin/ffmpeg
  grace_period: 4s
logs:
  capacity: 250
  redis:
    addrs: ["redis-a:6379", "redis-b:6379"]
    prefix: ops:logs
cors:
  dashboard_origins:
    - https://ops.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.Postgres.MaxConns != 12 || cfg.Store.Postgres.AcquireTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Uploads.Workers != 6 || cfg.Uploads.ChunkSize != 8388608 {
		t.Fatalf("unexpected upload config: %+v", cfg.Uploads)
	}
	if cfg.Uploads.QueueSize != 64 {
		t.Fatalf("expected untouched keys to keep defaults, got queue size %d", cfg.Uploads.QueueSize)
	}
	if cfg.Platform.API != "https://platform.example.com" || cfg.Platform.HTTPMaxAttempts != 3 {
		t.Fatalf("unexpected platform config: %+v", cfg.Platform)
	}
	if cfg.Supervisor.Binary != "/usr/local/bin/ffmpeg" || cfg.Supervisor.GracePeriod != 4*time.Second {
		t.Fatalf("unexpected supervisor config: %+v", cfg.Supervisor)
	}
	if cfg.Logs.Capacity != 250 || !cfg.Logs.Redis.Enabled() || cfg.Logs.Redis.Prefix != "ops:logs" {
		t.Fatalf("unexpected log sink config: %+v", cfg.Logs)
	}
	if got := strings.Join(cfg.Logs.Redis.Addrs, ","); got != "redis-a:6379,redis-b:6379" {
		t.Fatalf("unexpected redis addrs %q", got)
	}
	if got := strings.Join(cfg.CORS.DashboardOrigins, ","); got != "https://ops.example.com" {
		t.Fatalf("unexpected origins %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "orchestrator.yaml", "server:\n  addr: \":9000\"\nuploads:\n  workers: 3\n")
	t.Setenv("ORCHESTRATOR_SERVER_ADDR", ":9500")
	t.Setenv("ORCHESTRATOR_UPLOADS_WORKERS", "8")
	t.Setenv("ORCHESTRATOR_PLATFORM_TOKEN", "platform-secret")
	t.Setenv("ORCHESTRATOR_SUPERVISOR_GRACE_PERIOD", "2s")
	t.Setenv("ORCHESTRATOR_CORS_DASHBOARD_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("ORCHESTRATOR_CORS_OPERATOR_ORIGINS", "https://console.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9500" {
		t.Fatalf("expected env addr, got %q", cfg.Server.Addr)
	}
	if cfg.Uploads.Workers != 8 {
		t.Fatalf("expected env workers, got %d", cfg.Uploads.Workers)
	}
	if cfg.Platform.Token != "platform-secret" {
		t.Fatalf("expected env platform token, got %q", cfg.Platform.Token)
	}
	if cfg.Supervisor.GracePeriod != 2*time.Second {
		t.Fatalf("expected env grace period, got %s", cfg.Supervisor.GracePeriod)
	}
	if got := strings.Join(cfg.CORS.DashboardOrigins, "|"); got != "https://a.example.com|https://b.example.com" {
		t.Fatalf("unexpected env origins %q", got)
	}
	if got := strings.Join(cfg.CORS.OperatorOrigins, "|"); got != "https://console.example.com" {
		t.Fatalf("unexpected env operator origins %q", got)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "unsupported store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.postgres.dsn"},
		{"json without path", func(c *Config) { c.Store.Path = " " }, "store.path"},
		{"half tls", func(c *Config) { c.Server.TLSCert = "cert.pem" }, "tls_cert and server.tls_key"},
		{"negative workers", func(c *Config) { c.Uploads.Workers = -1 }, "uploads.workers"},
		{"negative starts", func(c *Config) { c.Batch.MaxConcurrentStarts = -2 }, "max_concurrent_starts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
