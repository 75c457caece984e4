// Command orchestrator starts the media job orchestrator HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"media-orchestrator/internal/api"
	"media-orchestrator/internal/batch"
	"media-orchestrator/internal/bulk"
	"media-orchestrator/internal/config"
	"media-orchestrator/internal/logsink"
	"media-orchestrator/internal/observability/logging"
	"media-orchestrator/internal/observability/metrics"
	"media-orchestrator/internal/platform"
	"media-orchestrator/internal/server"
	"media-orchestrator/internal/serverutil"
	"media-orchestrator/internal/storage"
	"media-orchestrator/internal/supervisor"
	"media-orchestrator/internal/upload"
)

type flagOverrides struct {
	addr            string
	storeDriver     string
	dataPath        string
	postgresDSN     string
	logLevel        string
	logFormat       string
	tlsCert         string
	tlsKey          string
	uploadBaseURL   string
	uploadWorkers   int
	maxStarts       int
	streamBinary    string
	gracePeriod     time.Duration
	shutdownTimeout time.Duration
	corsOrigins     string
	operatorOrigins string
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default ./orchestrator.yaml or ./config/orchestrator.yaml)")
	var overrides flagOverrides
	flag.StringVar(&overrides.addr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.storeDriver, "store-driver", "", "datastore driver (json or postgres)")
	flag.StringVar(&overrides.dataPath, "data", "", "path to JSON datastore")
	flag.StringVar(&overrides.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&overrides.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.logFormat, "log-format", "", "log format (json or text)")
	flag.StringVar(&overrides.tlsCert, "tls-cert", "", "path to TLS certificate file")
	flag.StringVar(&overrides.tlsKey, "tls-key", "", "path to TLS private key file")
	flag.StringVar(&overrides.uploadBaseURL, "upload-base-url", "", "base URL of the resumable upload endpoint")
	flag.IntVar(&overrides.uploadWorkers, "upload-workers", 0, "number of concurrent bulk upload jobs")
	flag.IntVar(&overrides.maxStarts, "max-concurrent-starts", 0, "maximum stream slots launched at once per batch")
	flag.StringVar(&overrides.streamBinary, "ffmpeg", "", "stream encoder binary")
	flag.DurationVar(&overrides.gracePeriod, "stop-grace-period", 0, "time a stream gets to exit after an interrupt")
	flag.DurationVar(&overrides.shutdownTimeout, "shutdown-timeout", 0, "graceful HTTP shutdown timeout")
	flag.StringVar(&overrides.corsOrigins, "cors-origins", "", "comma separated read-only dashboard origins allowed by CORS")
	flag.StringVar(&overrides.operatorOrigins, "cors-operator-origins", "", "comma separated operator origins allowed to submit and stop work")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(&cfg, overrides)

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}

	var mirrors []logsink.Mirror
	if cfg.Logs.StoreMirror {
		mirrors = append(mirrors, logsink.NewStoreMirror(store))
	}
	var redisMirror *logsink.RedisMirror
	if cfg.Logs.Redis.Enabled() {
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisMirror, err = logsink.NewRedisMirror(redisCtx, redisMirrorConfig(cfg.Logs))
		cancel()
		if err != nil {
			// The sink keeps working without the mirror.
			logger.Warn("redis log mirror unavailable", "error", err)
			redisMirror = nil
		} else {
			mirrors = append(mirrors, redisMirror)
		}
	}
	sink := logsink.New(logsink.Config{
		Capacity:          cfg.Logs.Capacity,
		MaxIDs:            cfg.Logs.MaxIDs,
		DashboardCapacity: cfg.Logs.DashboardCapacity,
		QueueSize:         cfg.Logs.QueueSize,
		BatchSize:         cfg.Logs.BatchSize,
		FlushInterval:     cfg.Logs.FlushInterval,
		MirrorTimeout:     cfg.Logs.MirrorTimeout,
		Mirrors:           mirrors,
		Reader:            store,
		Logger:            logger,
		Metrics:           recorder,
	})

	uploader, err := newUploader(cfg.Uploads, logger)
	if err != nil {
		return err
	}
	coordinatorCfg := bulk.Config{
		Store:        store,
		Logs:         sink,
		Metrics:      recorder,
		Workers:      cfg.Uploads.Workers,
		QueueSize:    cfg.Uploads.QueueSize,
		ItemTimeout:  cfg.Uploads.ItemTimeout,
		SetupTimeout: cfg.Uploads.SetupTimeout,
		Logger:       logging.WithComponent(logger, "bulk"),
	}
	if uploader != nil {
		coordinatorCfg.Uploader = uploader
	}
	coordinator := bulk.New(coordinatorCfg)

	platformCfg := platformConfig(cfg.Platform)
	if err := platformCfg.Validate(); err != nil {
		return fmt.Errorf("platform config: %w", err)
	}
	platformClient := platform.New(platformCfg, logger)

	supervisorCfg := supervisor.Config{
		Binary:      cfg.Supervisor.Binary,
		GracePeriod: cfg.Supervisor.GracePeriod,
		Logs:        sink,
		Metrics:     recorder,
		Logger:      logging.WithComponent(logger, "supervisor"),
	}
	if path, err := supervisorCfg.CheckBinary(); err != nil {
		logger.Warn("stream binary not found; batches will fail to launch", "error", err)
	} else {
		logger.Info("stream binary located", "path", path)
	}
	orchestrator := batch.New(batch.Config{
		Store:      store,
		Platform:   platformClient,
		Supervisor: supervisorCfg,
		Sweeper: supervisor.Sweeper{
			Binary:   cfg.Supervisor.Binary,
			Disabled: cfg.Supervisor.DisableSweep,
			Logger:   logging.WithComponent(logger, "sweeper"),
		},
		Logs:                sink,
		Metrics:             recorder,
		Logger:              logging.WithComponent(logger, "batch"),
		MaxConcurrentStarts: cfg.Batch.MaxConcurrentStarts,
		PlatformTimeout:     cfg.Batch.PlatformTimeout,
	})
	if err := orchestrator.Recover(); err != nil {
		logger.Warn("failed to recover stream sessions", "error", err)
	}

	handler := &api.Handler{
		Jobs:         coordinator,
		Batches:      orchestrator,
		Logs:         sink,
		Metrics:      recorder,
		Logger:       logging.WithComponent(logger, "api"),
		Store:        store,
		Platform:     platformClient,
		StreamBinary: supervisorCfg.CheckBinary,
	}
	if uploader != nil {
		handler.Uploader = uploader
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Server.Addr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateLimit.GlobalRPS,
			GlobalBurst:   cfg.RateLimit.GlobalBurst,
			SubmitLimit:   cfg.RateLimit.SubmitLimit,
			SubmitWindow:  cfg.RateLimit.SubmitWindow,
			RedisAddr:     cfg.RateLimit.RedisAddr,
			RedisPassword: cfg.RateLimit.RedisPassword,
			RedisTimeout:  cfg.RateLimit.RedisTimeout,
		},
		CORS: server.CORSConfig{
			DashboardOrigins: cfg.CORS.DashboardOrigins,
			OperatorOrigins:  cfg.CORS.OperatorOrigins,
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	coordinator.Start()
	logger.Info("starting orchestrator", newStartupSummary(startupSummaryInput{
		Config:        cfg,
		UploadEnabled: uploader != nil,
		RedisMirror:   redisMirror != nil,
	}).LogArgs()...)

	drain := []serverutil.Drainer{
		{Name: "stream sessions", Fn: orchestrator.StopAll},
		{Name: "bulk uploads", Fn: coordinator.Shutdown},
		{Name: "log sink", Fn: sink.Close},
	}
	if redisMirror != nil {
		drain = append(drain, serverutil.Drainer{Name: "redis log mirror", Fn: func(context.Context) error {
			return redisMirror.Close()
		}})
	}
	drain = append(drain, serverutil.Drainer{Name: "datastore", Fn: store.Close})

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DrainTimeout:    cfg.Server.DrainTimeout,
		Drain:           drain,
		Logger:          logger,
	})
}

func openStore(cfg config.StoreConfig) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		pg := cfg.Postgres
		return storage.NewPostgresRepository(pg.DSN,
			storage.WithPostgresPoolLimits(int32(pg.MaxConns), int32(pg.MinConns)),
			storage.WithPostgresPoolDurations(pg.MaxConnLifetime, pg.MaxConnIdle, pg.HealthInterval),
			storage.WithPostgresAcquireTimeout(pg.AcquireTimeout),
			storage.WithPostgresApplicationName(pg.AppName),
			storage.WithPostgresMigrations(pg.Migrate),
		)
	case "json", "":
		return storage.NewJSONRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported datastore driver %q", cfg.Driver)
	}
}

// newUploader returns nil when no upload endpoint is configured; jobs then
// fail their setup check instead of the process refusing to start.
func newUploader(cfg config.UploadsConfig, logger *slog.Logger) (*upload.Uploader, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		logger.Warn("no upload endpoint configured; bulk jobs will fail setup")
		return nil, nil
	}
	uploader, err := upload.New(upload.Config{
		BaseURL:        cfg.BaseURL,
		Token:          cfg.Token,
		HealthEndpoint: cfg.HealthEndpoint,
		ChunkSize:      cfg.ChunkSize,
		MaxAttempts:    cfg.MaxAttempts,
		RetryInterval:  cfg.RetryInterval,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure uploader: %w", err)
	}
	return uploader, nil
}

func platformConfig(cfg config.PlatformConfig) platform.Config {
	return platform.Config{
		BaseURL:           cfg.API,
		Token:             cfg.Token,
		HealthEndpoint:    cfg.Health,
		HTTPMaxAttempts:   cfg.HTTPMaxAttempts,
		HTTPRetryInterval: cfg.HTTPRetryInterval,
	}.WithDefaults()
}

func redisMirrorConfig(cfg config.LogSinkConfig) logsink.RedisMirrorConfig {
	return logsink.RedisMirrorConfig{
		Addr:       cfg.Redis.Addr,
		Addrs:      cfg.Redis.Addrs,
		Username:   cfg.Redis.Username,
		Password:   cfg.Redis.Password,
		MasterName: cfg.Redis.MasterName,
		Prefix:     cfg.Redis.Prefix,
		MaxLen:     cfg.Redis.MaxLen,
		PoolSize:   cfg.Redis.PoolSize,
		TLS:        cfg.Redis.TLS,
	}
}

// applyOverrides lets command-line flags win over file and environment
// values.
func applyOverrides(cfg *config.Config, flags flagOverrides) {
	cfg.Server.Addr = firstNonEmpty(flags.addr, cfg.Server.Addr)
	cfg.Server.TLSCert = firstNonEmpty(flags.tlsCert, cfg.Server.TLSCert)
	cfg.Server.TLSKey = firstNonEmpty(flags.tlsKey, cfg.Server.TLSKey)
	cfg.Server.ShutdownTimeout = resolveDuration(flags.shutdownTimeout, cfg.Server.ShutdownTimeout)
	cfg.Log.Level = firstNonEmpty(flags.logLevel, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(flags.logFormat, cfg.Log.Format)

	cfg.Store.Driver = firstNonEmpty(flags.storeDriver, cfg.Store.Driver)
	cfg.Store.Path = firstNonEmpty(flags.dataPath, cfg.Store.Path)
	cfg.Store.Postgres.DSN = firstNonEmpty(flags.postgresDSN, cfg.Store.Postgres.DSN, os.Getenv("DATABASE_URL"))
	if strings.TrimSpace(flags.postgresDSN) != "" && strings.TrimSpace(flags.storeDriver) == "" {
		cfg.Store.Driver = "postgres"
	}

	cfg.Uploads.BaseURL = firstNonEmpty(flags.uploadBaseURL, cfg.Uploads.BaseURL)
	cfg.Uploads.Workers = resolveInt(flags.uploadWorkers, cfg.Uploads.Workers)
	cfg.Batch.MaxConcurrentStarts = resolveInt(flags.maxStarts, cfg.Batch.MaxConcurrentStarts)
	cfg.Supervisor.Binary = firstNonEmpty(flags.streamBinary, cfg.Supervisor.Binary)
	cfg.Supervisor.GracePeriod = resolveDuration(flags.gracePeriod, cfg.Supervisor.GracePeriod)
	if origins := splitAndTrim(flags.corsOrigins); len(origins) > 0 {
		cfg.CORS.DashboardOrigins = origins
	}
	if origins := splitAndTrim(flags.operatorOrigins); len(origins) > 0 {
		cfg.CORS.OperatorOrigins = origins
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue, configured int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}

func resolveDuration(flagValue, configured time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}

type startupSummaryInput struct {
	Config        config.Config
	UploadEnabled bool
	RedisMirror   bool
}

type startupSummary struct {
	args []any
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	cfg := in.Config
	datastore := map[string]any{"driver": strings.ToLower(firstNonEmpty(cfg.Store.Driver, "json"))}
	if datastore["driver"] == "postgres" {
		datastore["dsn"] = redactDSN(cfg.Store.Postgres.DSN)
		datastore["migrate"] = cfg.Store.Postgres.Migrate
	} else {
		datastore["path"] = cfg.Store.Path
	}

	uploads := map[string]any{
		"enabled": in.UploadEnabled,
		"workers": cfg.Uploads.Workers,
		"queue":   cfg.Uploads.QueueSize,
	}
	if in.UploadEnabled {
		uploads["endpoint"] = cfg.Uploads.BaseURL
		uploads["chunk_size"] = cfg.Uploads.ChunkSize
	}

	platformSummary := map[string]any{"enabled": strings.TrimSpace(cfg.Platform.API) != ""}
	if platformSummary["enabled"] == true {
		platformSummary["api"] = cfg.Platform.API
		platformSummary["http_max_attempts"] = cfg.Platform.HTTPMaxAttempts
	}

	logSink := map[string]any{
		"capacity":     cfg.Logs.Capacity,
		"max_ids":      cfg.Logs.MaxIDs,
		"store_mirror": cfg.Logs.StoreMirror,
		"redis_mirror": in.RedisMirror,
	}

	limiter := map[string]any{"driver": "memory"}
	if strings.TrimSpace(cfg.RateLimit.RedisAddr) != "" {
		limiter["driver"] = "redis"
		limiter["addr"] = cfg.RateLimit.RedisAddr
	}

	return startupSummary{args: []any{
		"addr", cfg.Server.Addr,
		"tls", strings.TrimSpace(cfg.Server.TLSCert) != "",
		"datastore", datastore,
		"uploads", uploads,
		"platform", platformSummary,
		"stream_binary", cfg.Supervisor.Binary,
		"max_concurrent_starts", cfg.Batch.MaxConcurrentStarts,
		"log_sink", logSink,
		"submit_throttle", limiter,
	}}
}

func (s startupSummary) LogArgs() []any {
	return s.args
}

// redactDSN hides the password of URL-style DSNs and every password= field
// of keyword-style ones.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" && parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
		return parsed.String()
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(strings.ToLower(field), "password=") {
			fields[i] = "password=*****"
		}
	}
	return strings.Join(fields, " ")
}
