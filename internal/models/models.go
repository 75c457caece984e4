package models

import (
	"strings"
	"time"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	ItemStatusPending   = "pending"
	ItemStatusUploading = "uploading"
	ItemStatusCompleted = "completed"
	ItemStatusFailed    = "failed"
)

const (
	SessionStateStarting = "starting"
	SessionStateLive     = "live"
	SessionStateStopped  = "stopped"
	SessionStateFailed   = "failed"
)

const (
	LogCategoryInfo          = "info"
	LogCategoryError         = "error"
	LogCategoryProcessOutput = "process_output"
)

// Defaults applied to job items when the submitter leaves a field empty.
const (
	DefaultVisibility    = "private"
	DefaultCategory      = "22"
	DefaultTitleTemplate = "Video Upload {index}"
)

// Job is one bulk upload submission. ProgressPercent is derived from
// SucceededCount and TotalItems and is only ever written together with them.
type Job struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner"`
	Status          string     `json:"status"`
	TotalItems      int        `json:"totalItems"`
	SucceededCount  int        `json:"succeededCount"`
	FailedCount     int        `json:"failedCount"`
	ProgressPercent float64    `json:"progressPercent"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has reached completed or failed.
func (j Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// ProgressPercent computes succeeded/total*100. Failed items are not progress.
func ProgressPercent(succeeded, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(succeeded) / float64(total) * 100
}

// JobItem is one file within a job. Key is unique within the job.
type JobItem struct {
	JobID                 string     `json:"jobId"`
	Key                   string     `json:"key"`
	Position              int        `json:"position"`
	SourcePath            string     `json:"sourcePath"`
	SourceName            string     `json:"sourceName"`
	Title                 string     `json:"title"`
	Description           string     `json:"description,omitempty"`
	Tags                  []string   `json:"tags,omitempty"`
	Visibility            string     `json:"visibility"`
	Category              string     `json:"category"`
	Status                string     `json:"status"`
	UploadProgressPercent float64    `json:"uploadProgressPercent"`
	RemoteID              string     `json:"remoteId,omitempty"`
	Error                 string     `json:"error,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the item has reached completed or failed.
func (i JobItem) Terminal() bool {
	return i.Status == ItemStatusCompleted || i.Status == ItemStatusFailed
}

// StreamSettings configures the transcoder invocation for one batch slot.
type StreamSettings struct {
	Resolution       string        `json:"resolution,omitempty"`
	VideoBitrateKbps int           `json:"videoBitrateKbps,omitempty"`
	FPS              int           `json:"fps,omitempty"`
	VideoCodec       string        `json:"videoCodec,omitempty"`
	AudioBitrateKbps int           `json:"audioBitrateKbps,omitempty"`
	AudioCodec       string        `json:"audioCodec,omitempty"`
	DurationLimit    time.Duration `json:"durationLimit,omitempty"`
	Portrait         bool          `json:"portrait,omitempty"`
	Loop             bool          `json:"loop,omitempty"`
	CustomIngestURL  string        `json:"customIngestUrl,omitempty"`
}

// StreamSession is one supervised batch slot. The raw target key is kept in
// memory only; TargetFingerprint is what gets persisted.
type StreamSession struct {
	ID                string         `json:"id"`
	BatchIndex        int            `json:"batchIndex"`
	VideoSource       string         `json:"videoSource"`
	Title             string         `json:"title,omitempty"`
	TargetKey         string         `json:"-"`
	TargetFingerprint string         `json:"targetFingerprint,omitempty"`
	IngestURL         string         `json:"ingestUrl,omitempty"`
	BroadcastID       string         `json:"broadcastId,omitempty"`
	Settings          StreamSettings `json:"settings"`
	State             string         `json:"state"`
	Error             string         `json:"error,omitempty"`
	StartedAt         time.Time      `json:"startedAt"`
	StoppedAt         *time.Time     `json:"stoppedAt,omitempty"`
}

// IsLive reports whether the supervised process is currently running.
func (s StreamSession) IsLive() bool {
	return s.State == SessionStateLive
}

// LogEntry is one append-only event in the log stream of a correlation id.
type LogEntry struct {
	Seq             int64     `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
	CorrelationID   string    `json:"correlationId"`
	Category        string    `json:"category"`
	Message         string    `json:"message"`
	SourceFile      string    `json:"sourceFile,omitempty"`
	ChannelIdentity string    `json:"channelIdentity,omitempty"`
}

// NormalizeCategory maps unknown categories onto info.
func NormalizeCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case LogCategoryError:
		return LogCategoryError
	case LogCategoryProcessOutput:
		return LogCategoryProcessOutput
	default:
		return LogCategoryInfo
	}
}
