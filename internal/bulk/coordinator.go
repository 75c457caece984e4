// Package bulk runs bulk upload jobs: many local files pushed to the
// platform one after another by a bounded pool of job workers.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-orchestrator/internal/logsink"
	"media-orchestrator/internal/models"
	"media-orchestrator/internal/observability/metrics"
	"media-orchestrator/internal/storage"
	"media-orchestrator/internal/upload"
)

var (
	// ErrNoItems is returned when a submission carries no items.
	ErrNoItems = errors.New("at least one item is required")
	// ErrInvalidItem is returned when an item's source file cannot be used.
	ErrInvalidItem = errors.New("invalid item")
	// ErrStopped is returned by Submit after Shutdown.
	ErrStopped = errors.New("coordinator is shut down")
)

// Uploader is the transfer pipeline the coordinator drives.
type Uploader interface {
	Upload(ctx context.Context, path string, meta upload.Metadata, progress upload.ProgressFunc) (upload.Result, error)
	Ping(ctx context.Context) error
}

// ItemSpec describes one file of a submission. Empty fields get defaults.
type ItemSpec struct {
	SourcePath  string   `json:"sourcePath"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Visibility  string   `json:"visibility,omitempty"`
	Category    string   `json:"category,omitempty"`
}

type Config struct {
	Store        storage.Repository
	Uploader     Uploader
	Logs         *logsink.Sink
	Metrics      *metrics.Recorder
	Workers      int
	QueueSize    int
	ItemTimeout  time.Duration
	SetupTimeout time.Duration
	Logger       *slog.Logger
	Clock        func() time.Time
	NewID        func() string
}

// Coordinator accepts submissions and runs each job on one worker.
type Coordinator struct {
	store        storage.Repository
	uploader     Uploader
	logs         *logsink.Sink
	metrics      *metrics.Recorder
	workers      int
	itemTimeout  time.Duration
	setupTimeout time.Duration
	logger       *slog.Logger
	clock        func() time.Time
	newID        func() string

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultWorkers      = 2
	defaultQueueSize    = 64
	defaultItemTimeout  = 2 * time.Hour
	defaultSetupTimeout = 30 * time.Second
)

func New(cfg Config) *Coordinator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	itemTimeout := cfg.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = defaultItemTimeout
	}
	setupTimeout := cfg.SetupTimeout
	if setupTimeout <= 0 {
		setupTimeout = defaultSetupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logs := cfg.Logs
	if logs == nil {
		logs = logsink.New(logsink.Config{Logger: logger, Metrics: recorder})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        cfg.Store,
		uploader:     cfg.Uploader,
		logs:         logs,
		metrics:      recorder,
		workers:      workers,
		itemTimeout:  itemTimeout,
		setupTimeout: setupTimeout,
		logger:       logger.With("component", "bulk"),
		clock:        clock,
		newID:        newID,
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan string, queueSize),
		inFlight:     make(map[string]struct{}),
	}
}

// Start launches the workers and re-enqueues unfinished jobs. Calling it
// again is a no-op.
func (c *Coordinator) Start() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	go c.recoverPending()
}

// Shutdown stops the workers. An item interrupted by shutdown keeps its
// uploading state and is retried from the start after the next Start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates specs, persists a pending job with one item per spec and
// queues it. It returns as soon as the job is recorded.
func (c *Coordinator) Submit(ctx context.Context, owner string, specs []ItemSpec) (string, error) {
	if len(specs) == 0 {
		return "", ErrNoItems
	}
	if c.ctx.Err() != nil {
		return "", ErrStopped
	}
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := validateSource(spec.SourcePath); err != nil {
			return "", fmt.Errorf("item %d: %w", i+1, err)
		}
	}

	job, err := c.store.CreateJob(models.Job{
		ID:         c.newID(),
		Owner:      strings.TrimSpace(owner),
		Status:     models.JobStatusPending,
		TotalItems: len(specs),
		CreatedAt:  c.clock(),
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		item := buildItem(job.ID, i+1, spec, seen)
		if _, err := c.store.CreateItem(item); err != nil {
			reason := fmt.Sprintf("record item %s: %v", item.Key, err)
			c.failJob(job.ID, reason, false)
			return "", fmt.Errorf("create item %s: %w", item.Key, err)
		}
	}

	c.metrics.JobSubmitted()
	c.logs.Infof(job.ID, "Bulk upload job created with %d items", len(specs))
	c.logger.Info("bulk job submitted", "job_id", job.ID, "owner", job.Owner, "items", len(specs))
	c.Enqueue(job.ID)
	return job.ID, nil
}

// Enqueue hands id to the worker pool without blocking the caller. When the
// queue is full the hand-off waits in the background.
func (c *Coordinator) Enqueue(id string) {
	if c == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.queue <- id:
		return
	default:
	}
	c.logger.Warn("job queue full, deferring hand-off", "job_id", id)
	go func() {
		select {
		case c.queue <- id:
		case <-c.ctx.Done():
		}
	}()
}

// Query returns the job and its items in submission order.
func (c *Coordinator) Query(jobID string) (models.Job, []models.JobItem, error) {
	job, ok := c.store.GetJob(jobID)
	if !ok {
		return models.Job{}, nil, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	items, err := c.store.ListItems(jobID)
	if err != nil {
		return models.Job{}, nil, err
	}
	return job, items, nil
}

// List returns every job, newest first.
func (c *Coordinator) List() ([]models.Job, error) {
	return c.store.ListJobs()
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case id := <-c.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !c.beginWork(id) {
				continue
			}
			c.processJob(id)
			c.finishWork(id)
		}
	}
}

func (c *Coordinator) beginWork(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.inFlight[id]; exists {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Coordinator) finishWork(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

func (c *Coordinator) recoverPending() {
	if c.store == nil {
		return
	}
	jobs, err := c.store.ListJobs()
	if err != nil {
		c.logger.Error("failed to list jobs", "error", err)
		return
	}
	// Oldest first so recovered jobs keep their submission order.
	for i := len(jobs) - 1; i >= 0; i-- {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		job := jobs[i]
		if job.Status == models.JobStatusPending || job.Status == models.JobStatusRunning {
			c.logger.Info("recovering bulk job", "job_id", job.ID, "status", job.Status)
			c.Enqueue(job.ID)
		}
	}
}

func (c *Coordinator) processJob(id string) {
	job, ok := c.store.GetJob(id)
	if !ok || job.Terminal() {
		return
	}
	items, err := c.store.ListItems(id)
	if err != nil {
		c.logger.Error("failed to list job items", "job_id", id, "error", err)
		return
	}

	if err := c.setupCheck(); err != nil {
		c.failJob(id, fmt.Sprintf("setup check failed: %v", err), job.Status == models.JobStatusRunning)
		return
	}

	if job.Status != models.JobStatusRunning {
		running := models.JobStatusRunning
		startedAt := c.clock()
		if _, err := c.store.UpdateJob(id, storage.JobUpdate{Status: &running, StartedAt: &startedAt}); err != nil {
			c.logger.Error("failed to mark job running", "job_id", id, "error", err)
		}
		c.logs.Infof(id, "Starting bulk upload of %d files", len(items))
	} else {
		c.reconcileCounts(job, items)
		c.logs.Infof(id, "Resuming bulk upload of %d files", len(items))
	}
	c.metrics.JobStarted()

	for i, item := range items {
		if item.Terminal() {
			continue
		}
		if !c.processItem(item, i+1, len(items)) {
			// Shutdown interrupted the item; the job resumes after restart.
			return
		}
	}

	completed := models.JobStatusCompleted
	completedAt := c.clock()
	finished, err := c.store.UpdateJob(id, storage.JobUpdate{Status: &completed, CompletedAt: &completedAt})
	if err != nil {
		c.logger.Error("failed to mark job completed", "job_id", id, "error", err)
		finished = job
	}
	c.metrics.JobFinished(models.JobStatusCompleted, true)
	c.logs.Infof(id, "Bulk upload completed: %d succeeded, %d failed", finished.SucceededCount, finished.FailedCount)
	c.logger.Info("bulk job completed", "job_id", id, "succeeded", finished.SucceededCount, "failed", finished.FailedCount)
}

// processItem uploads one item. It reports false when the coordinator is
// shutting down and the item was left unfinished.
func (c *Coordinator) processItem(item models.JobItem, index, total int) bool {
	jobID := item.JobID
	source := logsink.WithSourceFile(item.SourceName)

	uploading := models.ItemStatusUploading
	zero := 0.0
	clearErr := ""
	if _, err := c.store.UpdateItem(jobID, item.Key, storage.ItemUpdate{
		Status:                &uploading,
		UploadProgressPercent: &zero,
		Error:                 &clearErr,
	}); err != nil {
		c.logger.Error("failed to mark item uploading", "job_id", jobID, "item", item.Key, "error", err)
	}
	c.logs.Append(jobID, models.LogCategoryInfo, fmt.Sprintf("Uploading %s (%d/%d)", item.SourceName, index, total), source)

	lastWhole := -1.0
	progress := func(percent float64) {
		whole := math.Floor(percent)
		if whole <= lastWhole {
			return
		}
		lastWhole = whole
		if _, err := c.store.UpdateItem(jobID, item.Key, storage.ItemUpdate{UploadProgressPercent: &whole}); err != nil {
			c.logger.Warn("failed to record item progress", "job_id", jobID, "item", item.Key, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.itemTimeout)
	defer cancel()
	c.metrics.ObservePlatformAttempt("upload")
	result, err := c.uploader.Upload(ctx, item.SourcePath, upload.Metadata{
		Title:       item.Title,
		Description: item.Description,
		Tags:        append([]string(nil), item.Tags...),
		Visibility:  item.Visibility,
		Category:    item.Category,
	}, progress)
	if err != nil && c.ctx.Err() != nil {
		c.logger.Info("item upload interrupted by shutdown", "job_id", jobID, "item", item.Key)
		return false
	}

	completedAt := c.clock()
	if err != nil {
		c.metrics.ObservePlatformFailure("upload")
		reason := failureReason(err)
		failed := models.ItemStatusFailed
		if _, updateErr := c.store.UpdateItem(jobID, item.Key, storage.ItemUpdate{
			Status:      &failed,
			Error:       &reason,
			CompletedAt: &completedAt,
		}); updateErr != nil {
			c.logger.Error("failed to mark item failed", "job_id", jobID, "item", item.Key, "error", updateErr, "failure", err)
		}
		if _, countErr := c.store.IncrementJobCounts(jobID, 0, 1); countErr != nil {
			c.logger.Error("failed to count failed item", "job_id", jobID, "item", item.Key, "error", countErr)
		}
		c.metrics.ItemFinished(models.ItemStatusFailed)
		c.logs.Append(jobID, models.LogCategoryError, fmt.Sprintf("Upload failed for %s: %s", item.SourceName, reason), source)
		c.logger.Warn("item upload failed", "job_id", jobID, "item", item.Key, "kind", upload.KindOf(err), "error", err)
		return true
	}

	completed := models.ItemStatusCompleted
	full := 100.0
	remoteID := result.RemoteID
	if _, err := c.store.UpdateItem(jobID, item.Key, storage.ItemUpdate{
		Status:                &completed,
		UploadProgressPercent: &full,
		RemoteID:              &remoteID,
		CompletedAt:           &completedAt,
	}); err != nil {
		c.logger.Error("failed to mark item completed", "job_id", jobID, "item", item.Key, "error", err)
	}
	if _, err := c.store.IncrementJobCounts(jobID, 1, 0); err != nil {
		c.logger.Error("failed to count completed item", "job_id", jobID, "item", item.Key, "error", err)
	}
	if info, statErr := os.Stat(item.SourcePath); statErr == nil {
		c.metrics.AddUploadedBytes(info.Size())
	}
	c.metrics.ItemFinished(models.ItemStatusCompleted)
	c.logs.Append(jobID, models.LogCategoryInfo, fmt.Sprintf("Uploaded %s as %s", item.SourceName, remoteID), source)
	return true
}

func (c *Coordinator) setupCheck() error {
	if c.uploader == nil {
		return errors.New("uploader unavailable")
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.setupTimeout)
	defer cancel()
	return c.uploader.Ping(ctx)
}

// reconcileCounts rebuilds the job counts from item states after a restart,
// covering a crash between an item update and its count increment.
func (c *Coordinator) reconcileCounts(job models.Job, items []models.JobItem) {
	succeeded, failed := 0, 0
	for _, item := range items {
		switch item.Status {
		case models.ItemStatusCompleted:
			succeeded++
		case models.ItemStatusFailed:
			failed++
		}
	}
	if succeeded == job.SucceededCount && failed == job.FailedCount {
		return
	}
	if _, err := c.store.UpdateJob(job.ID, storage.JobUpdate{SucceededCount: &succeeded, FailedCount: &failed}); err != nil {
		c.logger.Error("failed to reconcile job counts", "job_id", job.ID, "error", err)
	}
}

func (c *Coordinator) failJob(id, reason string, started bool) {
	failed := models.JobStatusFailed
	completedAt := c.clock()
	if _, err := c.store.UpdateJob(id, storage.JobUpdate{
		Status:      &failed,
		Error:       &reason,
		CompletedAt: &completedAt,
	}); err != nil {
		c.logger.Error("failed to mark job failed", "job_id", id, "error", err, "failure", reason)
	}
	c.metrics.JobFinished(models.JobStatusFailed, started)
	c.logs.Errorf(id, "Bulk upload failed: %s", reason)
	c.logger.Error("bulk job failed", "job_id", id, "reason", reason)
}

func failureReason(err error) string {
	var failure *upload.Failure
	if errors.As(err, &failure) {
		if failure.Err != nil {
			return fmt.Sprintf("%s: %v", failure.Reason, failure.Err)
		}
		return failure.Reason
	}
	return strings.TrimSpace(err.Error())
}

func validateSource(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: source path is required", ErrInvalidItem)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidItem, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return file.Close()
}

func buildItem(jobID string, position int, spec ItemSpec, seen map[string]struct{}) models.JobItem {
	name := filepath.Base(spec.SourcePath)
	key := name
	if _, dup := seen[key]; dup {
		key = name + "#" + strconv.Itoa(position)
	}
	seen[key] = struct{}{}

	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = ExpandTitle(models.DefaultTitleTemplate, position)
	}
	visibility := strings.ToLower(strings.TrimSpace(spec.Visibility))
	if visibility == "" {
		visibility = models.DefaultVisibility
	}
	category := strings.TrimSpace(spec.Category)
	if category == "" {
		category = models.DefaultCategory
	}
	return models.JobItem{
		JobID:       jobID,
		Key:         key,
		Position:    position,
		SourcePath:  spec.SourcePath,
		SourceName:  name,
		Title:       title,
		Description: spec.Description,
		Tags:        append([]string(nil), spec.Tags...),
		Visibility:  visibility,
		Category:    category,
		Status:      models.ItemStatusPending,
	}
}

// ExpandTitle substitutes the 1-based position for {index}.
func ExpandTitle(template string, position int) string {
	return strings.ReplaceAll(template, "{index}", strconv.Itoa(position))
}
