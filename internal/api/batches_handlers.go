package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"media-orchestrator/internal/batch"
	"media-orchestrator/internal/models"
)

const stopAllTimeout = 30 * time.Second

type settingsRequest struct {
	Resolution       string `json:"resolution"`
	VideoBitrateKbps int    `json:"videoBitrateKbps"`
	FPS              int    `json:"fps"`
	VideoCodec       string `json:"videoCodec"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
	AudioCodec       string `json:"audioCodec"`
	DurationLimit    string `json:"durationLimit"`
	Portrait         bool   `json:"portrait"`
	Loop             bool   `json:"loop"`
	CustomIngestURL  string `json:"customIngestUrl"`
}

type slotRequest struct {
	BatchIndex  int             `json:"batchIndex"`
	VideoSource string          `json:"videoSource"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Privacy     string          `json:"privacy"`
	TargetKey   string          `json:"targetKey"`
	Settings    settingsRequest `json:"settings"`
}

type startBatchRequest struct {
	Slots []slotRequest `json:"slots"`
}

type startBatchResponse struct {
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Results  []batch.SlotResult `json:"results"`
}

type sessionResponse struct {
	ID                string                `json:"id"`
	BatchIndex        int                   `json:"batchIndex"`
	VideoSource       string                `json:"videoSource"`
	Title             string                `json:"title,omitempty"`
	TargetFingerprint string                `json:"targetFingerprint,omitempty"`
	IngestURL         string                `json:"ingestUrl,omitempty"`
	BroadcastID       string                `json:"broadcastId,omitempty"`
	State             string                `json:"state"`
	Error             string                `json:"error,omitempty"`
	Settings          models.StreamSettings `json:"settings"`
	StartedAt         string                `json:"startedAt"`
}

type listBatchesResponse struct {
	LiveCount int               `json:"liveCount"`
	Sessions  []sessionResponse `json:"sessions"`
}

func (s slotRequest) toSlot() (batch.SlotConfig, error) {
	var limit time.Duration
	if raw := strings.TrimSpace(s.Settings.DurationLimit); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return batch.SlotConfig{}, fmt.Errorf("invalid durationLimit %q", raw)
		}
		limit = parsed
	}
	return batch.SlotConfig{
		BatchIndex:  s.BatchIndex,
		VideoSource: strings.TrimSpace(s.VideoSource),
		Title:       s.Title,
		Description: s.Description,
		Privacy:     s.Privacy,
		TargetKey:   s.TargetKey,
		Settings: models.StreamSettings{
			Resolution:       s.Settings.Resolution,
			VideoBitrateKbps: s.Settings.VideoBitrateKbps,
			FPS:              s.Settings.FPS,
			VideoCodec:       s.Settings.VideoCodec,
			AudioBitrateKbps: s.Settings.AudioBitrateKbps,
			AudioCodec:       s.Settings.AudioCodec,
			DurationLimit:    limit,
			Portrait:         s.Settings.Portrait,
			Loop:             s.Settings.Loop,
			CustomIngestURL:  strings.TrimSpace(s.Settings.CustomIngestURL),
		},
	}, nil
}

func newSessionResponse(session models.StreamSession) sessionResponse {
	return sessionResponse{
		ID:                session.ID,
		BatchIndex:        session.BatchIndex,
		VideoSource:       session.VideoSource,
		Title:             session.Title,
		TargetFingerprint: session.TargetFingerprint,
		IngestURL:         session.IngestURL,
		BroadcastID:       session.BroadcastID,
		State:             session.State,
		Error:             session.Error,
		Settings:          session.Settings,
		StartedAt:         session.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// StartBatch launches every slot and reports per slot. Rejected slots do
// not fail the request.
func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	if h.Batches == nil {
		WriteRequestError(w, ServiceUnavailableError("live streaming is not configured"))
		return
	}
	var req startBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, ValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if len(req.Slots) == 0 {
		WriteRequestError(w, ValidationError("at least one slot is required"))
		return
	}
	slots := make([]batch.SlotConfig, 0, len(req.Slots))
	for i, slot := range req.Slots {
		converted, err := slot.toSlot()
		if err != nil {
			WriteRequestError(w, ValidationError(fmt.Sprintf("slot %d: %v", i+1, err)))
			return
		}
		slots = append(slots, converted)
	}

	results := h.Batches.StartBatch(r.Context(), slots)
	resp := startBatchResponse{Results: results}
	for _, result := range results {
		if result.Accepted {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListBatches reports the live session count and each session.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	if h.Batches == nil {
		writeJSON(w, http.StatusOK, listBatchesResponse{Sessions: []sessionResponse{}})
		return
	}
	sessions := h.Batches.Sessions()
	resp := listBatchesResponse{LiveCount: h.Batches.LiveCount(), Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, newSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

// StopBatches stops every live session. It always answers 204; stop
// problems are logged.
func (h *Handler) StopBatches(w http.ResponseWriter, r *http.Request) {
	if h.Batches != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopAllTimeout)
		defer cancel()
		if err := h.Batches.StopAll(ctx); err != nil {
			h.logger().Warn("stop all sessions reported an error", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
