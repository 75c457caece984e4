package storage

import (
	"context"
	"errors"
	"time"

	"media-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a job, item or session does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCountOverflow is returned when an update would push
	// succeeded+failed past the job's total.
	ErrCountOverflow = errors.New("job counts exceed total items")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// JobUpdate lists the job fields to change. Nil fields are left untouched.
// Setting either count recomputes ProgressPercent in the same write.
type JobUpdate struct {
	Status         *string
	Error          *string
	SucceededCount *int
	FailedCount    *int
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ItemUpdate lists the item fields to change. Nil fields are left untouched.
type ItemUpdate struct {
	Status                *string
	UploadProgressPercent *float64
	RemoteID              *string
	Error                 *string
	CompletedAt           *time.Time
}

// SessionUpdate lists the session fields to change.
type SessionUpdate struct {
	State       *string
	Error       *string
	IngestURL   *string
	BroadcastID *string
	StoppedAt   *time.Time
}

// Repository is the durable state store shared by the coordinator, the batch
// orchestrator and the log sink. Every method is safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error

	CreateJob(job models.Job) (models.Job, error)
	UpdateJob(id string, update JobUpdate) (models.Job, error)
	IncrementJobCounts(id string, succeeded, failed int) (models.Job, error)
	GetJob(id string) (models.Job, bool)
	ListJobs() ([]models.Job, error)

	CreateItem(item models.JobItem) (models.JobItem, error)
	UpdateItem(jobID, key string, update ItemUpdate) (models.JobItem, error)
	ListItems(jobID string) ([]models.JobItem, error)

	CreateSession(session models.StreamSession) (models.StreamSession, error)
	UpdateSession(id string, update SessionUpdate) (models.StreamSession, error)
	ListSessions() ([]models.StreamSession, error)

	AppendLogs(entries []models.LogEntry) error
	ListLogs(correlationID string, limit int) ([]models.LogEntry, error)

	Close(ctx context.Context) error
}

func applyJobUpdate(job models.Job, update JobUpdate) (models.Job, error) {
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.StartedAt != nil {
		started := update.StartedAt.UTC()
		job.StartedAt = &started
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		job.CompletedAt = &completed
	}
	if update.SucceededCount != nil || update.FailedCount != nil {
		succeeded, failed := job.SucceededCount, job.FailedCount
		if update.SucceededCount != nil {
			succeeded = *update.SucceededCount
		}
		if update.FailedCount != nil {
			failed = *update.FailedCount
		}
		return withCounts(job, succeeded, failed)
	}
	return job, nil
}

func withCounts(job models.Job, succeeded, failed int) (models.Job, error) {
	if succeeded < 0 || failed < 0 || succeeded+failed > job.TotalItems {
		return job, ErrCountOverflow
	}
	job.SucceededCount = succeeded
	job.FailedCount = failed
	job.ProgressPercent = models.ProgressPercent(succeeded, job.TotalItems)
	return job, nil
}

func applyItemUpdate(item models.JobItem, update ItemUpdate) models.JobItem {
	previous := item.Status
	if update.Status != nil {
		item.Status = *update.Status
	}
	if update.UploadProgressPercent != nil {
		progress := clampPercent(*update.UploadProgressPercent)
		// Progress only moves forward while an upload stays in flight.
		if !(previous == models.ItemStatusUploading && item.Status == models.ItemStatusUploading && progress < item.UploadProgressPercent) {
			item.UploadProgressPercent = progress
		}
	}
	if update.RemoteID != nil {
		item.RemoteID = *update.RemoteID
	}
	if update.Error != nil {
		item.Error = *update.Error
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		item.CompletedAt = &completed
	}
	return item
}

func applySessionUpdate(session models.StreamSession, update SessionUpdate) models.StreamSession {
	if update.State != nil {
		session.State = *update.State
	}
	if update.Error != nil {
		session.Error = *update.Error
	}
	if update.IngestURL != nil {
		session.IngestURL = *update.IngestURL
	}
	if update.BroadcastID != nil {
		session.BroadcastID = *update.BroadcastID
	}
	if update.StoppedAt != nil {
		stopped := update.StoppedAt.UTC()
		session.StoppedAt = &stopped
	}
	return session
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func cloneJob(job models.Job) models.Job {
	cloned := job
	if job.StartedAt != nil {
		started := *job.StartedAt
		cloned.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func cloneItem(item models.JobItem) models.JobItem {
	cloned := item
	if item.Tags != nil {
		cloned.Tags = append([]string(nil), item.Tags...)
	}
	if item.CompletedAt != nil {
		completed := *item.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func cloneSession(session models.StreamSession) models.StreamSession {
	cloned := session
	cloned.TargetKey = ""
	if session.StoppedAt != nil {
		stopped := *session.StoppedAt
		cloned.StoppedAt = &stopped
	}
	return cloned
}
