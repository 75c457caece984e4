package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"media-orchestrator/internal/bulk"
	"media-orchestrator/internal/models"
	"media-orchestrator/internal/storage"
)

type submitJobRequest struct {
	Owner string          `json:"owner"`
	Items []bulk.ItemSpec `json:"items"`
}

type submitJobResponse struct {
	JobID string `json:"jobId"`
}

type jobResponse struct {
	ID              string  `json:"id"`
	Owner           string  `json:"owner"`
	Status          string  `json:"status"`
	TotalItems      int     `json:"totalItems"`
	SucceededCount  int     `json:"succeededCount"`
	FailedCount     int     `json:"failedCount"`
	ProgressPercent float64 `json:"progressPercent"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	StartedAt       *string `json:"startedAt,omitempty"`
	CompletedAt     *string `json:"completedAt,omitempty"`
}

type itemResponse struct {
	Key                   string   `json:"key"`
	Position              int      `json:"position"`
	SourceName            string   `json:"sourceName"`
	Title                 string   `json:"title"`
	Description           string   `json:"description,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	Visibility            string   `json:"visibility"`
	Category              string   `json:"category"`
	Status                string   `json:"status"`
	UploadProgressPercent float64  `json:"uploadProgressPercent"`
	RemoteID              string   `json:"remoteId,omitempty"`
	Error                 string   `json:"error,omitempty"`
	CompletedAt           *string  `json:"completedAt,omitempty"`
}

type jobDetailResponse struct {
	Job   jobResponse    `json:"job"`
	Items []itemResponse `json:"items"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339Nano)
	return &formatted
}

func roundPercent(value float64) float64 {
	return math.Round(value*100) / 100
}

func newJobResponse(job models.Job) jobResponse {
	return jobResponse{
		ID:              job.ID,
		Owner:           job.Owner,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		SucceededCount:  job.SucceededCount,
		FailedCount:     job.FailedCount,
		ProgressPercent: roundPercent(job.ProgressPercent),
		Error:           job.Error,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:       formatTime(job.StartedAt),
		CompletedAt:     formatTime(job.CompletedAt),
	}
}

func newItemResponse(item models.JobItem) itemResponse {
	resp := itemResponse{
		Key:                   item.Key,
		Position:              item.Position,
		SourceName:            item.SourceName,
		Title:                 item.Title,
		Description:           item.Description,
		Visibility:            item.Visibility,
		Category:              item.Category,
		Status:                item.Status,
		UploadProgressPercent: roundPercent(item.UploadProgressPercent),
		RemoteID:              item.RemoteID,
		Error:                 item.Error,
		CompletedAt:           formatTime(item.CompletedAt),
	}
	if len(item.Tags) > 0 {
		resp.Tags = append([]string(nil), item.Tags...)
	}
	return resp
}

func (h *Handler) jobs() (JobService, bool) {
	return h.Jobs, h.Jobs != nil
}

// SubmitJob accepts a bulk upload and answers before any work starts.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	jobs, ok := h.jobs()
	if !ok {
		WriteRequestError(w, ServiceUnavailableError("bulk uploads are not configured"))
		return
	}
	var req submitJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	jobID, err := jobs.Submit(r.Context(), strings.TrimSpace(req.Owner), req.Items)
	if err != nil {
		switch {
		case errors.Is(err, bulk.ErrNoItems), errors.Is(err, bulk.ErrInvalidItem):
			WriteRequestError(w, ValidationError(err.Error()))
		case errors.Is(err, bulk.ErrStopped):
			WriteRequestError(w, ServiceUnavailableError(err.Error()))
		default:
			h.logger().Error("submit job failed", "error", err)
			WriteError(w, http.StatusInternalServerError, fmt.Errorf("submit job: %w", err))
		}
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: jobID})
}

// GetJob returns a job with its items in submission order.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobs, ok := h.jobs()
	if !ok {
		WriteRequestError(w, ServiceUnavailableError("bulk uploads are not configured"))
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	job, items, err := jobs.Query(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteRequestError(w, NotFoundError(fmt.Sprintf("job %s not found", id)))
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("load job %s: %w", id, err))
		return
	}
	resp := jobDetailResponse{Job: newJobResponse(job), Items: make([]itemResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, newItemResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListJobs returns every job, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, ok := h.jobs()
	if !ok {
		WriteRequestError(w, ServiceUnavailableError("bulk uploads are not configured"))
		return
	}
	list, err := jobs.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("list jobs: %w", err))
		return
	}
	resp := make([]jobResponse, 0, len(list))
	for _, job := range list {
		resp = append(resp, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}
