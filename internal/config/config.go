// Package config loads orchestrator settings from an optional YAML file and
// ORCHESTRATOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ORCHESTRATOR_STORE_DRIVER.
const EnvPrefix = "ORCHESTRATOR"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdle     time.Duration `mapstructure:"max_conn_idle"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	AppName         string        `mapstructure:"app_name"`
	Migrate         bool          `mapstructure:"migrate"`
}

type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type UploadsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	HealthEndpoint string        `mapstructure:"health_endpoint"`
	ChunkSize      int64         `mapstructure:"chunk_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	SetupTimeout   time.Duration `mapstructure:"setup_timeout"`
}

type PlatformConfig struct {
	API               string        `mapstructure:"api"`
	Token             string        `mapstructure:"token"`
	Health            string        `mapstructure:"health"`
	HTTPMaxAttempts   int           `mapstructure:"http_max_attempts"`
	HTTPRetryInterval time.Duration `mapstructure:"http_retry_interval"`
}

type SupervisorConfig struct {
	Binary       string        `mapstructure:"binary"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	DisableSweep bool          `mapstructure:"disable_sweep"`
}

type BatchConfig struct {
	MaxConcurrentStarts int           `mapstructure:"max_concurrent_starts"`
	PlatformTimeout     time.Duration `mapstructure:"platform_timeout"`
}

type RedisConfig struct {
	Addr       string   `mapstructure:"addr"`
	Addrs      []string `mapstructure:"addrs"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	MasterName string   `mapstructure:"master_name"`
	Prefix     string   `mapstructure:"prefix"`
	MaxLen     int64    `mapstructure:"max_len"`
	PoolSize   int      `mapstructure:"pool_size"`
	TLS        bool     `mapstructure:"tls"`
}

// Enabled reports whether any Redis address is configured.
func (r RedisConfig) Enabled() bool {
	if strings.TrimSpace(r.Addr) != "" {
		return true
	}
	for _, addr := range r.Addrs {
		if strings.TrimSpace(addr) != "" {
			return true
		}
	}
	return false
}

type LogSinkConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	MaxIDs            int           `mapstructure:"max_ids"`
	DashboardCapacity int           `mapstructure:"dashboard_capacity"`
	QueueSize         int           `mapstructure:"queue_size"`
	BatchSize         int           `mapstructure:"batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	MirrorTimeout     time.Duration `mapstructure:"mirror_timeout"`
	StoreMirror       bool          `mapstructure:"store_mirror"`
	Redis             RedisConfig   `mapstructure:"redis"`
}

type RateLimitConfig struct {
	GlobalRPS     float64       `mapstructure:"global_rps"`
	GlobalBurst   int           `mapstructure:"global_burst"`
	SubmitLimit   int           `mapstructure:"submit_limit"`
	SubmitWindow  time.Duration `mapstructure:"submit_window"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisTimeout  time.Duration `mapstructure:"redis_timeout"`
}

// CORSConfig splits browser origins into read-only dashboards and operator
// consoles that may also submit and stop work.
type CORSConfig struct {
	DashboardOrigins []string `mapstructure:"dashboard_origins"`
	OperatorOrigins  []string `mapstructure:"operator_origins"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Uploads    UploadsConfig    `mapstructure:"uploads"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Logs       LogSinkConfig    `mapstructure:"logs"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// defaults lists every key so environment overrides reach Unmarshal even
// when the file does not mention them.
var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.tls_cert":         "",
	"server.tls_key":          "",
	"server.shutdown_timeout": 10 * time.Second,
	"server.drain_timeout":    30 * time.Second,

	"log.level":  "info",
	"log.format": "json",

	"store.driver":                     "json",
	"store.path":                       "data/store.json",
	"store.postgres.dsn":               "",
	"store.postgres.max_conns":         0,
	"store.postgres.min_conns":         0,
	"store.postgres.max_conn_lifetime": time.Duration(0),
	"store.postgres.max_conn_idle":     time.Duration(0),
	"store.postgres.health_interval":   time.Duration(0),
	"store.postgres.acquire_timeout":   5 * time.Second,
	"store.postgres.app_name":          "media-orchestrator",
	"store.postgres.migrate":           true,

	"uploads.base_url":        "",
	"uploads.token":           "",
	"uploads.health_endpoint": "/healthz",
	"uploads.chunk_size":      int64(1024 * 1024),
	"uploads.max_attempts":    5,
	"uploads.retry_interval":  time.Second,
	"uploads.workers":         2,
	"uploads.queue_size":      64,
	"uploads.item_timeout":    2 * time.Hour,
	"uploads.setup_timeout":   30 * time.Second,

	"platform.api":                 "",
	"platform.token":               "",
	"platform.health":              "/healthz",
	"platform.http_max_attempts":   5,
	"platform.http_retry_interval": time.Second,

	"supervisor.binary":        "ffmpeg",
	"supervisor.grace_period":  10 * time.Second,
	"supervisor.disable_sweep": false,

	"batch.max_concurrent_starts": 4,
	"batch.platform_timeout":      30 * time.Second,

	"logs.capacity":           100,
	"logs.max_ids":            1024,
	"logs.dashboard_capacity": 1000,
	"logs.queue_size":         1024,
	"logs.batch_size":         64,
	"logs.flush_interval":     500 * time.Millisecond,
	"logs.mirror_timeout":     5 * time.Second,
	"logs.store_mirror":       true,
	"logs.redis.addr":         "",
	"logs.redis.addrs":        []string{},
	"logs.redis.username":     "",
	"logs.redis.password":     "",
	"logs.redis.master_name":  "",
	"logs.redis.prefix":       "orchestrator:logs",
	"logs.redis.max_len":      int64(10000),
	"logs.redis.pool_size":    0,
	"logs.redis.tls":          false,

	"rate_limit.global_rps":     0.0,
	"rate_limit.global_burst":   0,
	"rate_limit.submit_limit":   0,
	"rate_limit.submit_window":  time.Minute,
	"rate_limit.redis_addr":     "",
	"rate_limit.redis_password": "",
	"rate_limit.redis_timeout":  2 * time.Second,

	"cors.dashboard_origins": []string{},
	"cors.operator_origins":  []string{},
}

// Load reads path when set, otherwise looks for orchestrator.yaml in the
// working directory and ./config. A missing default file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORS.DashboardOrigins = splitList(cfg.CORS.DashboardOrigins)
	cfg.CORS.OperatorOrigins = splitList(cfg.CORS.OperatorOrigins)
	cfg.Logs.Redis.Addrs = splitList(cfg.Logs.Redis.Addrs)
	return cfg, nil
}

// Validate checks cross-field constraints. Per-component limits are checked
// by the components themselves.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "json":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for the json driver"))
		}
	case "postgres":
		if strings.TrimSpace(c.Store.Postgres.DSN) == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store.driver %q", c.Store.Driver))
	}
	if (strings.TrimSpace(c.Server.TLSCert) == "") != (strings.TrimSpace(c.Server.TLSKey) == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Uploads.Workers < 0 || c.Uploads.QueueSize < 0 {
		errs = append(errs, errors.New("uploads.workers and uploads.queue_size cannot be negative"))
	}
	if c.Batch.MaxConcurrentStarts < 0 {
		errs = append(errs, errors.New("batch.max_concurrent_starts cannot be negative"))
	}
	return errors.Join(errs...)
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
