package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, attempts int) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(Config{
		BaseURL:           server.URL,
		Token:             "token",
		HTTPClient:        server.Client(),
		HTTPMaxAttempts:   attempts,
		HTTPRetryInterval: time.Nanosecond,
	}, nil)
}

// TestHTTPClientCreateAndEndBroadcast verifies payloads, paths and the
// bearer token for the broadcast lifecycle.
func TestHTTPClientCreateAndEndBroadcast(t *testing.T) {
	var ended atomic.Bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/broadcasts":
			var params BroadcastParams
			if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if params.Title != "Batch 1" || params.FrameRate != 30 {
				t.Errorf("unexpected params: %+v", params)
			}
			_ = json.NewEncoder(w).Encode(broadcastResponse{ID: "bc-1", IngestURL: "rtmp://ingest/live", StreamKey: "abcd"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/broadcasts/bc-1":
			ended.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}, 3)

	broadcast, err := client.CreateBroadcast(context.Background(), BroadcastParams{Title: "Batch 1", FrameRate: 30})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if broadcast.ID != "bc-1" || broadcast.IngestURL != "rtmp://ingest/live" || broadcast.StreamKey != "abcd" {
		t.Fatalf("unexpected broadcast: %+v", broadcast)
	}
	if err := client.EndBroadcast(context.Background(), "bc-1"); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if !ended.Load() {
		t.Fatal("expected delete endpoint to be invoked")
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch attempts.Add(1) {
		case 1:
			http.Error(w, "temporary", http.StatusInternalServerError)
		case 2:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			_ = json.NewEncoder(w).Encode(broadcastResponse{ID: "bc-2", IngestURL: "rtmp://ingest"})
		}
	}, 3)

	if _, err := client.CreateBroadcast(context.Background(), BroadcastParams{Title: "x"}); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestHTTPClientDoesNotRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad title", http.StatusBadRequest)
	}, 5)

	_, err := client.CreateBroadcast(context.Background(), BroadcastParams{Title: "x"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if statusErr.Body != "bad title" {
		t.Fatalf("expected body in error, got %q", statusErr.Body)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestHTTPClientEndBroadcastIgnoresNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, 2)
	if err := client.EndBroadcast(context.Background(), "gone"); err != nil {
		t.Fatalf("expected not found to be ignored, got %v", err)
	}
	if err := client.EndBroadcast(context.Background(), ""); err != nil {
		t.Fatalf("expected empty id to be a no-op, got %v", err)
	}
}

func TestHTTPClientRejectsIncompleteResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(broadcastResponse{ID: "bc"})
	}, 1)
	if _, err := client.CreateBroadcast(context.Background(), BroadcastParams{}); err == nil {
		t.Fatal("expected error for response without ingest url")
	}
}

func TestHTTPClientPing(t *testing.T) {
	healthy := atomic.Bool{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected health path %q", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}, 3)

	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail while unhealthy")
	}
	healthy.Store(true)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestHTTPClientStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		cancel()
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(Config{
		BaseURL:           server.URL,
		HTTPClient:        server.Client(),
		HTTPMaxAttempts:   10,
		HTTPRetryInterval: time.Hour,
	}, nil)
	_, err := client.CreateBroadcast(ctx, BroadcastParams{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestNoopClient(t *testing.T) {
	var client Client = NoopClient{}
	if _, err := client.CreateBroadcast(context.Background(), BroadcastParams{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := client.EndBroadcast(context.Background(), "x"); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
