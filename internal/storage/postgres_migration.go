package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"media-orchestrator/internal/models"

	"github.com/jackc/pgx/v5"
)

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres repository is not open")
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if err := importSnapshotJobs(ctx, tx, snapshot.Jobs); err != nil {
		return err
	}
	if err := importSnapshotItems(ctx, tx, snapshot.Items); err != nil {
		return err
	}
	if err := importSnapshotSessions(ctx, tx, snapshot.Sessions); err != nil {
		return err
	}
	if err := importSnapshotLogs(ctx, tx, snapshot.Logs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func importSnapshotJobs(ctx context.Context, tx pgx.Tx, jobs []models.Job) error {
	for _, job := range jobs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO bulk_upload_jobs (`+jobColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			job.ID, job.Owner, job.Status, job.TotalItems, job.SucceededCount, job.FailedCount,
			job.ProgressPercent, job.Error, job.CreatedAt.UTC(), job.StartedAt, job.CompletedAt,
		); err != nil {
			return fmt.Errorf("import job %s: %w", job.ID, err)
		}
	}
	return nil
}

func importSnapshotItems(ctx context.Context, tx pgx.Tx, items []models.JobItem) error {
	for _, item := range items {
		tags := item.Tags
		if tags == nil {
			tags = []string{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bulk_upload_items (`+itemColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			item.JobID, item.Key, item.Position, item.SourcePath, item.SourceName,
			item.Title, item.Description, tags, item.Visibility, item.Category,
			item.Status, item.UploadProgressPercent, item.RemoteID, item.Error, item.CompletedAt,
		); err != nil {
			return fmt.Errorf("import item %s/%s: %w", item.JobID, item.Key, err)
		}
	}
	return nil
}

func importSnapshotSessions(ctx context.Context, tx pgx.Tx, sessions []models.StreamSession) error {
	for _, session := range sessions {
		settings, err := json.Marshal(session.Settings)
		if err != nil {
			return fmt.Errorf("encode session %s settings: %w", session.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO streaming_sessions (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			session.ID, session.BatchIndex, session.VideoSource, session.Title,
			session.TargetFingerprint, session.IngestURL, session.BroadcastID, settings,
			session.State, session.Error, session.StartedAt.UTC(), session.StoppedAt,
		); err != nil {
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
	}
	return nil
}

func importSnapshotLogs(ctx context.Context, tx pgx.Tx, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []any{
			entry.Seq, entry.CorrelationID, entry.Category, entry.Message,
			entry.SourceFile, entry.ChannelIdentity, entry.Timestamp.UTC(),
		})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"streaming_logs"},
		[]string{"seq", "correlation_id", "category", "message", "source_file", "channel_identity", "logged_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("import logs: %w", err)
	}
	return nil
}
