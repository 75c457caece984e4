// Package upload pushes local media files to the platform through its
// resumable upload protocol.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	chunkGranularity = 256 * 1024
	// DefaultChunkSize is the size of each PUT.
	DefaultChunkSize = 4 * chunkGranularity
	// StatusResumeIncomplete is the platform's "keep sending" response.
	StatusResumeIncomplete = 308
)

// ProgressFunc receives the acknowledged share of the file, 0..100.
type ProgressFunc func(percent float64)

// Result is the platform's answer to a completed upload.
type Result struct {
	RemoteID string
	Status   string
	Raw      json.RawMessage
}

// Config configures an Uploader.
type Config struct {
	BaseURL        string
	Token          string
	HealthEndpoint string
	ChunkSize      int64
	MaxAttempts    int
	RetryInterval  time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Uploader runs the resumable protocol against one platform endpoint.
type Uploader struct {
	baseURL       string
	token         string
	healthPath    string
	chunkSize     int64
	maxAttempts   int
	retryInterval time.Duration
	client        *http.Client
	logger        *slog.Logger
}

// New validates cfg and returns an Uploader.
func New(cfg Config) (*Uploader, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upload base URL is required")
	}
	chunk := cfg.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if chunk < 0 || chunk%chunkGranularity != 0 {
		return nil, fmt.Errorf("chunk size %d must be a positive multiple of %d", chunk, chunkGranularity)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	interval := cfg.RetryInterval
	if interval < 0 {
		interval = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := cfg.HealthEndpoint
	if health == "" {
		health = "/healthz"
	}
	return &Uploader{
		baseURL:       base,
		token:         strings.TrimSpace(cfg.Token),
		healthPath:    "/" + strings.TrimLeft(health, "/"),
		chunkSize:     chunk,
		maxAttempts:   attempts,
		retryInterval: interval,
		client:        client,
		logger:        logger.With("component", "upload"),
	}, nil
}

// Ping checks that the platform is reachable and accepts our credentials.
func (u *Uploader) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+u.healthPath, nil)
	if err != nil {
		return err
	}
	u.authorize(req)
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload endpoint health: %s", resp.Status)
	}
	return nil
}

type snippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

type videoStatus struct {
	PrivacyStatus string `json:"privacyStatus,omitempty"`
	UploadStatus  string `json:"uploadStatus,omitempty"`
}

type videoResource struct {
	ID      string      `json:"id,omitempty"`
	Snippet snippet     `json:"snippet"`
	Status  videoStatus `json:"status"`
}

// Upload sends the file at path and returns the created resource. Any error
// returned is a *Failure.
func (u *Uploader) Upload(ctx context.Context, path string, meta Metadata, progress ProgressFunc) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, localFailure("open source file", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Result{}, localFailure("stat source file", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, localFailure(fmt.Sprintf("%s is not a regular file", filepath.Base(path)), nil)
	}
	size := info.Size()
	if size == 0 {
		return Result{}, localFailure(fmt.Sprintf("%s is empty", filepath.Base(path)), nil)
	}

	meta = NormalizeMetadata(meta)
	contentType := contentTypeFor(path)

	report := newProgressReporter(progress)
	session, err := u.openSession(ctx, meta, size, contentType)
	if err != nil {
		return Result{}, err
	}

	t := &transfer{
		uploader:    u,
		session:     session,
		file:        file,
		size:        size,
		contentType: contentType,
		report:      report,
	}
	result, err := t.run(ctx)
	if err != nil {
		return Result{}, err
	}
	report.set(100)
	return result, nil
}

func (u *Uploader) openSession(ctx context.Context, meta Metadata, size int64, contentType string) (string, error) {
	body, err := json.Marshal(videoResource{
		Snippet: snippet{Title: meta.Title, Description: meta.Description, Tags: meta.Tags, CategoryID: meta.Category},
		Status:  videoStatus{PrivacyStatus: meta.Visibility},
	})
	if err != nil {
		return "", localFailure("encode metadata", err)
	}
	endpoint := u.baseURL + "/upload/videos?uploadType=resumable&part=snippet,status"

	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", localFailure("build session request", err)
		}
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
		req.Header.Set("X-Upload-Content-Type", contentType)
		u.authorize(req)

		resp, err := u.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			location := resp.Header.Get("Location")
			status, text := drain(resp)
			switch {
			case status >= 200 && status < 300 && location != "":
				return location, nil
			case status >= 200 && status < 300:
				return "", rejectedFailure("session response missing Location header", nil)
			case retryable(status):
				lastErr = fmt.Errorf("open session: %d %s", status, text)
			default:
				return "", rejectedFailure(fmt.Sprintf("open session rejected with %d", status), errors.New(text))
			}
		}
		if attempt < u.maxAttempts {
			u.logger.Warn("open upload session failed", "attempt", attempt, "error", lastErr)
			if err := sleepContext(ctx, u.backoff(attempt)); err != nil {
				return "", networkFailure("upload canceled", err)
			}
		}
	}
	return "", networkFailure("open upload session", lastErr)
}

// transfer is the chunk loop of one session.
type transfer struct {
	uploader    *Uploader
	session     string
	file        io.ReaderAt
	size        int64
	contentType string
	report      *progressReporter
}

func (t *transfer) run(ctx context.Context) (Result, error) {
	u := t.uploader
	var (
		offset   int64
		failures int
		resync   bool
		lastErr  error
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, networkFailure("upload canceled", err)
		}
		if failures >= u.maxAttempts {
			return Result{}, networkFailure(fmt.Sprintf("upload interrupted at byte %d of %d", offset, t.size), lastErr)
		}

		var (
			resp *http.Response
			err  error
		)
		if resync {
			resp, err = t.queryOffset(ctx)
		} else {
			resp, err = t.putChunk(ctx, offset)
		}
		if err != nil {
			failures++
			lastErr = err
			resync = true
			u.logger.Warn("upload chunk failed", "offset", offset, "attempt", failures, "error", err)
			if err := sleepContext(ctx, u.backoff(failures)); err != nil {
				return Result{}, networkFailure("upload canceled", err)
			}
			continue
		}

		rangeHeader := resp.Header.Get("Range")
		status, text := drain(resp)
		switch {
		case status == http.StatusOK || status == http.StatusCreated:
			return decodeResult(text)
		case status == StatusResumeIncomplete:
			next, err := parseRange(rangeHeader)
			if err != nil {
				return Result{}, rejectedFailure("invalid Range header", err)
			}
			sentChunk := !resync
			resync = false
			if next > offset {
				failures = 0
			} else if sentChunk {
				// The platform acknowledged the chunk without persisting it.
				failures++
				lastErr = fmt.Errorf("no progress at byte %d", offset)
				u.logger.Warn("upload chunk not persisted", "offset", offset, "attempt", failures)
				if err := sleepContext(ctx, u.backoff(failures)); err != nil {
					return Result{}, networkFailure("upload canceled", err)
				}
			}
			offset = next
			t.report.set(float64(offset) / float64(t.size) * 100)
		case retryable(status):
			failures++
			lastErr = fmt.Errorf("%d %s", status, text)
			resync = true
			u.logger.Warn("upload chunk failed", "offset", offset, "attempt", failures, "status", status)
			if err := sleepContext(ctx, u.backoff(failures)); err != nil {
				return Result{}, networkFailure("upload canceled", err)
			}
		default:
			return Result{}, rejectedFailure(fmt.Sprintf("upload rejected with %d", status), errors.New(text))
		}
	}
}

func (t *transfer) putChunk(ctx context.Context, offset int64) (*http.Response, error) {
	end := offset + t.uploader.chunkSize
	if end > t.size {
		end = t.size
	}
	section := io.NewSectionReader(t.file, offset, end-offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.session, section)
	if err != nil {
		return nil, err
	}
	req.ContentLength = end - offset
	req.Header.Set("Content-Type", t.contentType)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, t.size))
	t.uploader.authorize(req)
	return t.uploader.client.Do(req)
}

// queryOffset asks the platform how many bytes it has persisted.
func (t *transfer) queryOffset(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.session, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.ContentLength = 0
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", t.size))
	t.uploader.authorize(req)
	return t.uploader.client.Do(req)
}

func decodeResult(body string) (Result, error) {
	var resource videoResource
	if err := json.Unmarshal([]byte(body), &resource); err != nil {
		return Result{}, rejectedFailure("decode upload response", err)
	}
	if resource.ID == "" {
		return Result{}, rejectedFailure("upload response missing id", nil)
	}
	status := resource.Status.UploadStatus
	if status == "" {
		status = "uploaded"
	}
	return Result{RemoteID: resource.ID, Status: status, Raw: json.RawMessage(body)}, nil
}

// parseRange reads "bytes=0-N" and returns N+1. A missing header means
// nothing has been persisted.
func parseRange(header string) (int64, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil
	}
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, fmt.Errorf("unexpected range %q", header)
	}
	_, last, ok := strings.Cut(value, "-")
	if !ok {
		return 0, fmt.Errorf("unexpected range %q", header)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unexpected range %q", header)
	}
	return n + 1, nil
}

func (u *Uploader) authorize(req *http.Request) {
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
}

// backoff doubles the retry interval per attempt, capped at 32x.
func (u *Uploader) backoff(attempt int) time.Duration {
	if u.retryInterval <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return u.retryInterval << shift
}

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".3gp":  "video/3gpp",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if contentType, ok := videoContentTypes[ext]; ok {
		return contentType
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func drain(resp *http.Response) (int, string) {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, strings.TrimSpace(string(data))
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

// progressReporter forwards only increases.
type progressReporter struct {
	fn   ProgressFunc
	last float64
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn, last: -1}
}

func (p *progressReporter) set(percent float64) {
	if percent > 100 {
		percent = 100
	}
	if percent <= p.last {
		return
	}
	p.last = percent
	if p.fn != nil {
		p.fn(percent)
	}
}
