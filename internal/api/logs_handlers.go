package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/mux"

	"media-orchestrator/internal/models"
)

type logsResponse struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	Entries       []models.LogEntry `json:"entries"`
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (h *Handler) logsAvailable(w http.ResponseWriter) bool {
	if h.Logs == nil {
		WriteRequestError(w, ServiceUnavailableError("log sink is not configured"))
		return false
	}
	return true
}

// RecentLogs returns the newest entries of one job or session in
// chronological order.
func (h *Handler) RecentLogs(w http.ResponseWriter, r *http.Request) {
	if !h.logsAvailable(w) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		WriteRequestError(w, ValidationError(err.Error()))
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	entries := h.Logs.Recent(id, limit)
	if entries == nil {
		entries = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{CorrelationID: id, Entries: entries})
}

// DashboardLogs returns the newest entries across every id, newest first.
func (h *Handler) DashboardLogs(w http.ResponseWriter, r *http.Request) {
	if !h.logsAvailable(w) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		WriteRequestError(w, ValidationError(err.Error()))
		return
	}
	entries := h.Logs.Dashboard(limit)
	if entries == nil {
		entries = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Entries: entries})
}

// ExportLogs downloads the full log of one id as plain text.
func (h *Handler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	if !h.logsAvailable(w) {
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	text, err := h.Logs.Export(id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("export logs for %s: %w", id, err))
		return
	}
	filename := unsafeFilenameChars.ReplaceAllString(id, "_")
	if filename == "" {
		filename = "logs"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".log"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
