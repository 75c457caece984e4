package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, bulk
// upload jobs, live stream sessions, remote platform calls and the log sink.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[string]uint64
	itemEvents       map[string]uint64
	sessionEvents    map[string]uint64
	platformAttempts map[string]uint64
	platformFailures map[string]uint64
	logEntries       map[string]uint64
	uploadedBytes    atomic.Int64
	activeJobs       atomic.Int64
	liveSessions     atomic.Int64
	logDrops         atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		jobEvents:        make(map[string]uint64),
		itemEvents:       make(map[string]uint64),
		sessionEvents:    make(map[string]uint64),
		platformAttempts: make(map[string]uint64),
		platformFailures: make(map[string]uint64),
		logEntries:       make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobSubmitted counts a newly accepted bulk upload job.
func (r *Recorder) JobSubmitted() {
	r.increment(r.jobEvents, "submitted")
}

// JobStarted counts a job entering running and bumps the active gauge.
func (r *Recorder) JobStarted() {
	r.increment(r.jobEvents, "started")
	r.activeJobs.Add(1)
}

// JobFinished counts a terminal job by status. The active gauge only drops
// for jobs that actually started.
func (r *Recorder) JobFinished(status string, started bool) {
	r.increment(r.jobEvents, status)
	if started {
		decrementGauge(&r.activeJobs)
	}
}

// ItemFinished counts a terminal job item by status.
func (r *Recorder) ItemFinished(status string) {
	r.increment(r.itemEvents, status)
}

// AddUploadedBytes adds acknowledged upload bytes.
func (r *Recorder) AddUploadedBytes(n int64) {
	if n > 0 {
		r.uploadedBytes.Add(n)
	}
}

// SessionStarted records a session reaching live.
func (r *Recorder) SessionStarted() {
	r.increment(r.sessionEvents, "start")
	r.liveSessions.Add(1)
}

// SessionStopped records a live session ending.
func (r *Recorder) SessionStopped() {
	r.increment(r.sessionEvents, "stop")
	decrementGauge(&r.liveSessions)
}

// SessionFailed records a session that never reached live.
func (r *Recorder) SessionFailed() {
	r.increment(r.sessionEvents, "fail")
}

// ObservePlatformAttempt records a remote platform call keyed by operation
// (e.g. "create_broadcast", "upload_init").
func (r *Recorder) ObservePlatformAttempt(operation string) {
	r.increment(r.platformAttempts, operation)
}

// ObservePlatformFailure records a failed remote platform call. The caller
// records the attempt separately.
func (r *Recorder) ObservePlatformFailure(operation string) {
	r.increment(r.platformFailures, operation)
}

// LogAppended counts a log sink entry by category.
func (r *Recorder) LogAppended(category string) {
	r.increment(r.logEntries, category)
}

// LogDropped counts an entry the log sink could not queue for mirroring.
func (r *Recorder) LogDropped() {
	r.logDrops.Add(1)
}

func (r *Recorder) increment(counter map[string]uint64, name string) {
	key := normalizeName(name)
	r.mu.Lock()
	counter[key]++
	r.mu.Unlock()
}

// ActiveJobs exposes the number of jobs currently running.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// LiveSessions exposes the number of sessions currently live.
func (r *Recorder) LiveSessions() int64 {
	return r.liveSessions.Load()
}

// LogDrops exposes the number of log entries dropped from the mirror queue.
func (r *Recorder) LogDrops() int64 {
	return r.logDrops.Load()
}

// JobCounts returns a copy of the job event counters.
func (r *Recorder) JobCounts() map[string]uint64 {
	return r.snapshot(r.jobEvents)
}

// ItemCounts returns a copy of the item event counters.
func (r *Recorder) ItemCounts() map[string]uint64 {
	return r.snapshot(r.itemEvents)
}

// PlatformCounts returns copies of the platform attempt and failure counters.
func (r *Recorder) PlatformCounts() (attempts map[string]uint64, failures map[string]uint64) {
	return r.snapshot(r.platformAttempts), r.snapshot(r.platformFailures)
}

func (r *Recorder) snapshot(counter map[string]uint64) map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(counter))
	for k, v := range counter {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.itemEvents = make(map[string]uint64)
	r.sessionEvents = make(map[string]uint64)
	r.platformAttempts = make(map[string]uint64)
	r.platformFailures = make(map[string]uint64)
	r.logEntries = make(map[string]uint64)
	r.uploadedBytes.Store(0)
	r.activeJobs.Store(0)
	r.liveSessions.Store(0)
	r.logDrops.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder in Prometheus text format with stable label
// ordering.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP orchestrator_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE orchestrator_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "orchestrator_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP orchestrator_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE orchestrator_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "orchestrator_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	writeCounter(w, "orchestrator_job_events_total", "Bulk upload job events by type", "event", r.jobEvents)
	writeCounter(w, "orchestrator_job_items_total", "Terminal bulk upload items by status", "status", r.itemEvents)

	fmt.Fprintln(w, "# HELP orchestrator_active_jobs Current number of running bulk upload jobs")
	fmt.Fprintln(w, "# TYPE orchestrator_active_jobs gauge")
	fmt.Fprintf(w, "orchestrator_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP orchestrator_uploaded_bytes_total Bytes acknowledged by the remote platform")
	fmt.Fprintln(w, "# TYPE orchestrator_uploaded_bytes_total counter")
	fmt.Fprintf(w, "orchestrator_uploaded_bytes_total %d\n", r.uploadedBytes.Load())

	writeCounter(w, "orchestrator_session_events_total", "Stream session lifecycle events by type", "event", r.sessionEvents)

	fmt.Fprintln(w, "# HELP orchestrator_live_sessions Current number of live stream sessions")
	fmt.Fprintln(w, "# TYPE orchestrator_live_sessions gauge")
	fmt.Fprintf(w, "orchestrator_live_sessions %d\n", r.liveSessions.Load())

	writeCounter(w, "orchestrator_platform_attempts_total", "Remote platform calls by operation", "operation", r.platformAttempts)
	writeCounter(w, "orchestrator_platform_failures_total", "Failed remote platform calls by operation", "operation", r.platformFailures)
	writeCounter(w, "orchestrator_log_entries_total", "Log sink entries by category", "category", r.logEntries)

	fmt.Fprintln(w, "# HELP orchestrator_log_mirror_dropped_total Log entries dropped from the mirror queue")
	fmt.Fprintln(w, "# TYPE orchestrator_log_mirror_dropped_total counter")
	fmt.Fprintf(w, "orchestrator_log_mirror_dropped_total %d\n", r.logDrops.Load())
}

func writeCounter(w io.Writer, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, key, values[key])
	}
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats long segments (uuids) and digit-heavy segments as
// ids so per-job paths collapse into one series.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
