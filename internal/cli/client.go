package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"media-orchestrator/internal/bulk"
	"media-orchestrator/internal/models"
)

// DefaultServerURL is used when neither --server nor ORCHESTRATOR_URL is set.
const DefaultServerURL = "http://127.0.0.1:8080"

// Job mirrors the API's job representation.
type Job struct {
	ID              string  `json:"id"`
	Owner           string  `json:"owner"`
	Status          string  `json:"status"`
	TotalItems      int     `json:"totalItems"`
	SucceededCount  int     `json:"succeededCount"`
	FailedCount     int     `json:"failedCount"`
	ProgressPercent float64 `json:"progressPercent"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	CompletedAt     *string `json:"completedAt,omitempty"`
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	return j.Status == models.JobStatusCompleted || j.Status == models.JobStatusFailed
}

type Item struct {
	Key                   string  `json:"key"`
	Position              int     `json:"position"`
	SourceName            string  `json:"sourceName"`
	Title                 string  `json:"title"`
	Status                string  `json:"status"`
	UploadProgressPercent float64 `json:"uploadProgressPercent"`
	RemoteID              string  `json:"remoteId,omitempty"`
	Error                 string  `json:"error,omitempty"`
}

type JobDetail struct {
	Job   Job    `json:"job"`
	Items []Item `json:"items"`
}

type Session struct {
	ID                string `json:"id"`
	BatchIndex        int    `json:"batchIndex"`
	VideoSource       string `json:"videoSource"`
	Title             string `json:"title"`
	TargetFingerprint string `json:"targetFingerprint"`
	State             string `json:"state"`
	Error             string `json:"error,omitempty"`
}

type Batches struct {
	LiveCount int       `json:"liveCount"`
	Sessions  []Session `json:"sessions"`
}

// APIError is a non-2xx answer from the orchestrator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("orchestrator returned %d", e.Status)
	}
	return fmt.Sprintf("orchestrator returned %d: %s", e.Status, e.Message)
}

// Client talks to the orchestrator HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultServerURL
	}
	return &Client{baseURL: base, http: httpClient}
}

func (c *Client) SubmitJob(ctx context.Context, owner string, specs []bulk.ItemSpec) (string, error) {
	payload := struct {
		Owner string          `json:"owner"`
		Items []bulk.ItemSpec `json:"items"`
	}{Owner: owner, Items: specs}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", payload, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (JobDetail, error) {
	var detail JobDetail
	err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &detail)
	return detail, err
}

// Logs returns the newest entries for id, oldest first. limit <= 0 lets
// the server pick.
func (c *Client) Logs(ctx context.Context, id string, limit int) ([]models.LogEntry, error) {
	path := "/api/logs/" + url.PathEscape(id)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []models.LogEntry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ExportLogs streams the plain-text log of id into w.
func (c *Client) ExportLogs(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/logs/"+url.PathEscape(id)+"/export", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) ListBatches(ctx context.Context) (Batches, error) {
	var batches Batches
	err := c.doJSON(ctx, http.MethodGet, "/api/batches", nil, &batches)
	return batches, err
}

func (c *Client) StopBatches(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodDelete, "/api/batches", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx answers into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}
