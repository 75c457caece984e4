package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"media-orchestrator/internal/batch"
	"media-orchestrator/internal/bulk"
	"media-orchestrator/internal/logsink"
	"media-orchestrator/internal/models"
	"media-orchestrator/internal/observability/metrics"
)

// JobService is the bulk upload coordinator as seen by the API.
type JobService interface {
	Submit(ctx context.Context, owner string, specs []bulk.ItemSpec) (string, error)
	Query(jobID string) (models.Job, []models.JobItem, error)
	List() ([]models.Job, error)
}

// BatchService is the live stream batch orchestrator as seen by the API.
type BatchService interface {
	StartBatch(ctx context.Context, slots []batch.SlotConfig) []batch.SlotResult
	StopAll(ctx context.Context) error
	LiveCount() int
	Sessions() []models.StreamSession
}

// Pinger is any dependency with a cheap reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Jobs    JobService
	Batches BatchService
	Logs    *logsink.Sink
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	// Health probes; nil ones are skipped.
	Store        Pinger
	Uploader     Pinger
	Platform     Pinger
	StreamBinary func() (string, error)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

// Router wires every endpoint onto a gorilla/mux router.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", h.metrics().Handler()).Methods(http.MethodGet)

	routes := router.PathPrefix("/api").Subrouter()
	routes.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	routes.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	routes.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	routes.HandleFunc("/batches", h.StartBatch).Methods(http.MethodPost)
	routes.HandleFunc("/batches", h.ListBatches).Methods(http.MethodGet)
	routes.HandleFunc("/batches", h.StopBatches).Methods(http.MethodDelete)
	routes.HandleFunc("/logs", h.DashboardLogs).Methods(http.MethodGet)
	routes.HandleFunc("/logs/{id}", h.RecentLogs).Methods(http.MethodGet)
	routes.HandleFunc("/logs/{id}/export", h.ExportLogs).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteRequestError(w, NotFoundError(fmt.Sprintf("no route for %s", r.URL.Path)))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteRequestError(w, RequestError{Status: http.StatusMethodNotAllowed, Message: fmt.Sprintf("method %s not allowed", r.Method)})
	})
	return router
}
