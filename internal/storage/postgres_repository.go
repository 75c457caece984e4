package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"media-orchestrator/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and, unless
// disabled with WithPostgresMigrations(false), applies the embedded schema.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if cfg.RunMigrations {
		if err := RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// withConn acquires a pooled connection under the configured acquire timeout.
// The same deadline bounds fn.
func (r *postgresRepository) withConn(fn func(context.Context, *pgxpool.Conn) error) error {
	ctx := context.Background()
	cancel := func() {}
	if r.cfg.AcquireTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	defer cancel()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) withTx(fn func(context.Context, pgx.Tx) error) error {
	return r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const jobColumns = `id, owner, status, total_items, succeeded_count, failed_count, progress_percent, error, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.Owner, &job.Status, &job.TotalItems,
		&job.SucceededCount, &job.FailedCount, &job.ProgressPercent, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	return job, err
}

func (r *postgresRepository) CreateJob(job models.Job) (models.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return models.Job{}, fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.cfg.Clock()
	}
	job, err := withCounts(job, job.SucceededCount, job.FailedCount)
	if err != nil {
		return models.Job{}, err
	}

	var created models.Job
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`INSERT INTO bulk_upload_jobs (`+jobColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO NOTHING
			 RETURNING `+jobColumns,
			job.ID, job.Owner, job.Status, job.TotalItems, job.SucceededCount, job.FailedCount,
			job.ProgressPercent, job.Error, job.CreatedAt.UTC(), job.StartedAt, job.CompletedAt,
		)
		var scanErr error
		created, scanErr = scanJob(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
		}
		if scanErr != nil {
			return fmt.Errorf("insert job: %w", scanErr)
		}
		return nil
	})
	return created, err
}

func (r *postgresRepository) UpdateJob(id string, update JobUpdate) (models.Job, error) {
	var updated models.Job
	err := r.withTx(func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM bulk_upload_jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		next, err := applyJobUpdate(current, update)
		if err != nil {
			return err
		}
		updated, err = scanJob(tx.QueryRow(ctx,
			`UPDATE bulk_upload_jobs
			    SET status = $2, error = $3, succeeded_count = $4, failed_count = $5,
			        progress_percent = $6, started_at = $7, completed_at = $8
			  WHERE id = $1
			  RETURNING `+jobColumns,
			id, next.Status, next.Error, next.SucceededCount, next.FailedCount,
			next.ProgressPercent, next.StartedAt, next.CompletedAt,
		))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	return updated, err
}

// IncrementJobCounts adds to both counters and recomputes progress in a
// single statement so concurrent increments never lose an update.
func (r *postgresRepository) IncrementJobCounts(id string, succeeded, failed int) (models.Job, error) {
	var updated models.Job
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`UPDATE bulk_upload_jobs
			    SET succeeded_count = succeeded_count + $2,
			        failed_count = failed_count + $3,
			        progress_percent = CASE WHEN total_items > 0
			            THEN (succeeded_count + $2)::float8 / total_items * 100
			            ELSE 0 END
			  WHERE id = $1
			    AND succeeded_count + $2 >= 0
			    AND failed_count + $3 >= 0
			    AND succeeded_count + $2 + failed_count + $3 <= total_items
			  RETURNING `+jobColumns,
			id, succeeded, failed,
		)
		var err error
		updated, err = scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_upload_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check job: %w", err)
			}
			if !exists {
				return fmt.Errorf("job %s: %w", id, ErrNotFound)
			}
			return ErrCountOverflow
		}
		if err != nil {
			return fmt.Errorf("increment job counts: %w", err)
		}
		return nil
	})
	return updated, err
}

func (r *postgresRepository) GetJob(id string) (models.Job, bool) {
	var job models.Job
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		job, err = scanJob(conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM bulk_upload_jobs WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return models.Job{}, false
	}
	return job, true
}

func (r *postgresRepository) ListJobs() ([]models.Job, error) {
	jobs := make([]models.Job, 0)
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+jobColumns+` FROM bulk_upload_jobs ORDER BY created_at DESC, id DESC`)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

const itemColumns = `job_id, key, position, source_path, source_name, title, description, tags, visibility, category, status, upload_progress_percent, remote_id, error, completed_at`

func scanItem(row pgx.Row) (models.JobItem, error) {
	var item models.JobItem
	err := row.Scan(
		&item.JobID, &item.Key, &item.Position, &item.SourcePath, &item.SourceName,
		&item.Title, &item.Description, &item.Tags, &item.Visibility, &item.Category,
		&item.Status, &item.UploadProgressPercent, &item.RemoteID, &item.Error, &item.CompletedAt,
	)
	if len(item.Tags) == 0 {
		item.Tags = nil
	}
	return item, err
}

func (r *postgresRepository) CreateItem(item models.JobItem) (models.JobItem, error) {
	if strings.TrimSpace(item.Key) == "" {
		return models.JobItem{}, fmt.Errorf("item key is required")
	}
	if item.Status == "" {
		item.Status = models.ItemStatusPending
	}
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}

	var created models.JobItem
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_upload_jobs WHERE id = $1)`, item.JobID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return fmt.Errorf("job %s: %w", item.JobID, ErrNotFound)
		}
		row := conn.QueryRow(ctx,
			`INSERT INTO bulk_upload_items (`+itemColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (job_id, key) DO NOTHING
			 RETURNING `+itemColumns,
			item.JobID, item.Key, item.Position, item.SourcePath, item.SourceName,
			item.Title, item.Description, tags, item.Visibility, item.Category,
			item.Status, clampPercent(item.UploadProgressPercent), item.RemoteID, item.Error, item.CompletedAt,
		)
		var err error
		created, err = scanItem(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("item %s/%s: %w", item.JobID, item.Key, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		return nil
	})
	return created, err
}

func (r *postgresRepository) UpdateItem(jobID, key string, update ItemUpdate) (models.JobItem, error) {
	var updated models.JobItem
	err := r.withTx(func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanItem(tx.QueryRow(ctx,
			`SELECT `+itemColumns+` FROM bulk_upload_items WHERE job_id = $1 AND key = $2 FOR UPDATE`, jobID, key))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("item %s/%s: %w", jobID, key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		next := applyItemUpdate(current, update)
		updated, err = scanItem(tx.QueryRow(ctx,
			`UPDATE bulk_upload_items
			    SET status = $3, upload_progress_percent = $4, remote_id = $5, error = $6, completed_at = $7
			  WHERE job_id = $1 AND key = $2
			  RETURNING `+itemColumns,
			jobID, key, next.Status, next.UploadProgressPercent, next.RemoteID, next.Error, next.CompletedAt,
		))
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		return nil
	})
	return updated, err
}

func (r *postgresRepository) ListItems(jobID string) ([]models.JobItem, error) {
	items := make([]models.JobItem, 0)
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_upload_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		rows, err := conn.Query(ctx, `SELECT `+itemColumns+` FROM bulk_upload_items WHERE job_id = $1 ORDER BY position`, jobID)
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return fmt.Errorf("scan item: %w", err)
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	return items, err
}

const sessionColumns = `id, batch_index, video_source, title, target_fingerprint, ingest_url, broadcast_id, settings, state, error, started_at, stopped_at`

func scanSession(row pgx.Row) (models.StreamSession, error) {
	var (
		session  models.StreamSession
		settings []byte
	)
	err := row.Scan(
		&session.ID, &session.BatchIndex, &session.VideoSource, &session.Title,
		&session.TargetFingerprint, &session.IngestURL, &session.BroadcastID, &settings,
		&session.State, &session.Error, &session.StartedAt, &session.StoppedAt,
	)
	if err != nil {
		return session, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &session.Settings); err != nil {
			return session, fmt.Errorf("decode session settings: %w", err)
		}
	}
	return session, nil
}

func (r *postgresRepository) CreateSession(session models.StreamSession) (models.StreamSession, error) {
	if strings.TrimSpace(session.ID) == "" {
		return models.StreamSession{}, fmt.Errorf("session id is required")
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = r.cfg.Clock()
	}
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return models.StreamSession{}, fmt.Errorf("encode session settings: %w", err)
	}

	var created models.StreamSession
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`INSERT INTO streaming_sessions (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO NOTHING
			 RETURNING `+sessionColumns,
			session.ID, session.BatchIndex, session.VideoSource, session.Title,
			session.TargetFingerprint, session.IngestURL, session.BroadcastID, settings,
			session.State, session.Error, session.StartedAt.UTC(), session.StoppedAt,
		)
		var err error
		created, err = scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	return created, err
}

func (r *postgresRepository) UpdateSession(id string, update SessionUpdate) (models.StreamSession, error) {
	var updated models.StreamSession
	err := r.withTx(func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM streaming_sessions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		next := applySessionUpdate(current, update)
		updated, err = scanSession(tx.QueryRow(ctx,
			`UPDATE streaming_sessions
			    SET state = $2, error = $3, ingest_url = $4, broadcast_id = $5, stopped_at = $6
			  WHERE id = $1
			  RETURNING `+sessionColumns,
			id, next.State, next.Error, next.IngestURL, next.BroadcastID, next.StoppedAt,
		))
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
	return updated, err
}

func (r *postgresRepository) ListSessions() ([]models.StreamSession, error) {
	sessions := make([]models.StreamSession, 0)
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+sessionColumns+` FROM streaming_sessions ORDER BY started_at, batch_index`)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	return sessions, err
}

func (r *postgresRepository) AppendLogs(entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		rows := make([][]any, 0, len(entries))
		for _, entry := range entries {
			rows = append(rows, []any{
				entry.Seq, entry.CorrelationID, entry.Category, entry.Message,
				entry.SourceFile, entry.ChannelIdentity, entry.Timestamp.UTC(),
			})
		}
		_, err := conn.CopyFrom(ctx,
			pgx.Identifier{"streaming_logs"},
			[]string{"seq", "correlation_id", "category", "message", "source_file", "channel_identity", "logged_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("append logs: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) ListLogs(correlationID string, limit int) ([]models.LogEntry, error) {
	entries := make([]models.LogEntry, 0)
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		query := `SELECT seq, correlation_id, category, message, source_file, channel_identity, logged_at
		            FROM streaming_logs
		           WHERE ($1::text = '' OR correlation_id = $1)
		           ORDER BY id DESC`
		args := []any{correlationID}
		if limit > 0 {
			query += ` LIMIT $2`
			args = append(args, limit)
		}
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list logs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var entry models.LogEntry
			if err := rows.Scan(&entry.Seq, &entry.CorrelationID, &entry.Category, &entry.Message,
				&entry.SourceFile, &entry.ChannelIdentity, &entry.Timestamp); err != nil {
				return fmt.Errorf("scan log entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
