// Package platform talks to the remote media platform's broadcast API.
package platform

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by NoopClient when a broadcast is requested
// without a configured platform endpoint.
var ErrNotConfigured = errors.New("platform API not configured")

// Client manages remote broadcasts that supervised streams publish into.
type Client interface {
	CreateBroadcast(ctx context.Context, params BroadcastParams) (Broadcast, error)
	EndBroadcast(ctx context.Context, broadcastID string) error
	Ping(ctx context.Context) error
}

// BroadcastParams describes the broadcast a batch slot wants created.
type BroadcastParams struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Privacy     string `json:"privacy,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	FrameRate   int    `json:"frameRate,omitempty"`
	StreamKey   string `json:"streamKey,omitempty"`
}

// Broadcast is the platform's answer: where to push and what to call it.
type Broadcast struct {
	ID        string `json:"id"`
	IngestURL string `json:"ingestUrl"`
	StreamKey string `json:"streamKey,omitempty"`
}

// StatusError is a non-2xx platform response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.URL, e.Status, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return Retryable(e.Code)
}

// Retryable reports whether an HTTP status is worth retrying. Server errors
// and 429 are; every other 4xx is a permanent rejection.
func Retryable(code int) bool {
	return code >= 500 || code == 429
}

// NoopClient is used when every slot supplies its own ingest URL.
type NoopClient struct{}

func (NoopClient) CreateBroadcast(context.Context, BroadcastParams) (Broadcast, error) {
	return Broadcast{}, ErrNotConfigured
}

func (NoopClient) EndBroadcast(context.Context, string) error { return nil }

func (NoopClient) Ping(context.Context) error { return nil }
