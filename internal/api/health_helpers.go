package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 5 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string            `json:"status"`
	LiveStreams int               `json:"liveStreams"`
	Components  []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component, detail string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Detail: detail, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", "", h.Store.Ping(ctx)))
	}
	if h.Uploader != nil {
		components = append(components, recordComponent("upload_endpoint", "", h.Uploader.Ping(ctx)))
	}
	if h.Platform != nil {
		components = append(components, recordComponent("platform", "", h.Platform.Ping(ctx)))
	}
	if h.StreamBinary != nil {
		path, err := h.StreamBinary()
		components = append(components, recordComponent("stream_binary", path, err))
	}

	return components, overallStatus, statusCode
}

// Health reports per-component status. Any degraded component turns the
// answer into a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	live := 0
	if h.Batches != nil {
		live = h.Batches.LiveCount()
	}
	writeJSON(w, code, healthResponse{Status: status, LiveStreams: live, Components: components})
}
