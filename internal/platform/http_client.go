package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient implements Client against the platform's JSON API.
type HTTPClient struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
	healthPath    string
}

// NewHTTPClient builds an HTTPClient from cfg. A nil cfg.HTTPClient falls back
// to a client with a 30s timeout.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := cfg.HTTPMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	health := cfg.HealthEndpoint
	if health == "" {
		health = "/healthz"
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		client:        client,
		logger:        logger.With("component", "platform"),
		maxAttempts:   attempts,
		retryInterval: cfg.HTTPRetryInterval,
		healthPath:    "/" + strings.TrimLeft(health, "/"),
	}
}

type broadcastResponse struct {
	ID        string `json:"id"`
	IngestURL string `json:"ingestUrl"`
	StreamKey string `json:"streamKey"`
}

func (c *HTTPClient) CreateBroadcast(ctx context.Context, params BroadcastParams) (Broadcast, error) {
	var response broadcastResponse
	if err := c.postJSON(ctx, c.baseURL+"/v1/broadcasts", params, &response); err != nil {
		return Broadcast{}, fmt.Errorf("create broadcast: %w", err)
	}
	if response.ID == "" || response.IngestURL == "" {
		return Broadcast{}, errors.New("create broadcast: response missing id or ingest url")
	}
	return Broadcast{ID: response.ID, IngestURL: response.IngestURL, StreamKey: response.StreamKey}, nil
}

func (c *HTTPClient) EndBroadcast(ctx context.Context, broadcastID string) error {
	if strings.TrimSpace(broadcastID) == "" {
		return nil
	}
	endpoint := c.baseURL + "/v1/broadcasts/" + url.PathEscape(broadcastID)
	if err := c.doWithRetry(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("end broadcast %s: %w", broadcastID, err)
	}
	return nil
}

// Ping performs a single health probe without retries.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	setBearer(req, c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("platform health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform health: %s", resp.Status)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, endpoint string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doWithRetry(ctx, http.MethodPost, endpoint, body, dest)
}

func (c *HTTPClient) doWithRetry(ctx context.Context, method, endpoint string, payload []byte, dest any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		setBearer(req, c.token)

		retry := true
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			retry, lastErr = readResponse(resp, method, endpoint, dest)
		}
		if lastErr == nil {
			return nil
		}
		if !retry || attempt == c.maxAttempts {
			return lastErr
		}
		c.logger.Warn("platform request failed", "method", method, "url", endpoint, "attempt", attempt, "error", lastErr)
		if err := sleepContext(ctx, c.retryInterval); err != nil {
			return err
		}
	}
	return lastErr
}

func readResponse(resp *http.Response, method, endpoint string, dest any) (bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
		return false, nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := &StatusError{
		Method: method,
		URL:    endpoint,
		Code:   resp.StatusCode,
		Status: resp.Status,
		Body:   strings.TrimSpace(string(data)),
	}
	return statusErr.Temporary(), statusErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
