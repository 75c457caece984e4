package logsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"media-orchestrator/internal/models"

	redis "github.com/redis/go-redis/v9"
)

// LogAppender is the slice of the durable store the store mirror needs.
type LogAppender interface {
	AppendLogs(entries []models.LogEntry) error
}

type storeMirror struct {
	store LogAppender
}

// NewStoreMirror mirrors entries into the durable state store.
func NewStoreMirror(store LogAppender) Mirror {
	return storeMirror{store: store}
}

func (m storeMirror) Name() string { return "store" }

func (m storeMirror) Write(ctx context.Context, entries []models.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.AppendLogs(entries)
}

// RedisMirrorConfig configures the Redis Streams mirror.
type RedisMirrorConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Prefix       string
	MaxLen       int64
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          bool
}

// streamClient is the subset of the go-redis client the mirror uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisMirror publishes every entry to a per-correlation-id Redis stream
// (<prefix>:<id>) trimmed to roughly MaxLen entries, so external dashboards
// can tail job and session logs.
type RedisMirror struct {
	client streamClient
	prefix string
	maxLen int64
}

// NewRedisMirror connects to Redis and verifies the connection with PING.
func NewRedisMirror(ctx context.Context, cfg RedisMirrorConfig) (*RedisMirror, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisMirror(client, cfg.Prefix, cfg.MaxLen), nil
}

func newRedisMirror(client streamClient, prefix string, maxLen int64) *RedisMirror {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "orchestrator:logs"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisMirror{client: client, prefix: prefix, maxLen: maxLen}
}

func (m *RedisMirror) Name() string { return "redis" }

// StreamFor returns the stream key entries for correlationID are added to.
func (m *RedisMirror) StreamFor(correlationID string) string {
	if correlationID == "" {
		correlationID = "system"
	}
	return m.prefix + ":" + correlationID
}

func (m *RedisMirror) Write(ctx context.Context, entries []models.LogEntry) error {
	var errs []error
	for _, entry := range entries {
		args := &redis.XAddArgs{
			Stream: m.StreamFor(entry.CorrelationID),
			MaxLen: m.maxLen,
			Approx: true,
			Values: []string{
				"seq", strconv.FormatInt(entry.Seq, 10),
				"ts", entry.Timestamp.UTC().Format(time.RFC3339Nano),
				"category", entry.Category,
				"message", entry.Message,
				"source_file", entry.SourceFile,
				"channel", entry.ChannelIdentity,
			},
		}
		if err := m.client.XAdd(ctx, args).Err(); err != nil {
			errs = append(errs, fmt.Errorf("xadd %s: %w", args.Stream, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close releases the Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
