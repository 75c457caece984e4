// Command migrate-json-to-postgres copies a JSON datastore (jobs, items,
// stream sessions and logs) into Postgres and verifies the row counts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-orchestrator/internal/observability/logging"
	"media-orchestrator/internal/storage"
)

// rowQuerier is the part of pgxpool.Pool the verification needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "text"})

	dsn := resolveDSN(*postgresDSN)
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, ORCHESTRATOR_STORE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "jobs", counts.Jobs, "items", counts.Items, "sessions", counts.Sessions, "logs", counts.Logs)

	ctx := context.Background()
	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = repo.Close(context.Background())
	}()

	if err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	pool, err := openVerificationPool(ctx, dsn)
	if err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := verifyCounts(ctx, pool, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "jobs", counts.Jobs, "items", counts.Items, "sessions", counts.Sessions, "logs", counts.Logs)
}

func resolveDSN(flagValue string) string {
	for _, candidate := range []string{flagValue, os.Getenv("ORCHESTRATOR_STORE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func openVerificationPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open verification connection: %w", err)
	}
	return pool, nil
}

// verifyCounts compares each table against the snapshot. The import
// expects an empty target.
func verifyCounts(ctx context.Context, db rowQuerier, counts storage.SnapshotCounts) error {
	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"bulk_upload_jobs", "SELECT COUNT(*) FROM bulk_upload_jobs", counts.Jobs},
		{"bulk_upload_items", "SELECT COUNT(*) FROM bulk_upload_items", counts.Items},
		{"streaming_sessions", "SELECT COUNT(*) FROM streaming_sessions", counts.Sessions},
		{"streaming_logs", "SELECT COUNT(*) FROM streaming_logs", counts.Logs},
	}

	for _, check := range checks {
		var actual int
		if err := db.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual != check.expected {
			return fmt.Errorf("mismatch for %s: expected %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
