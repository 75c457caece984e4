package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"media-orchestrator/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// the Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func seedJob(t *testing.T, repo Repository, id string, keys ...string) models.Job {
	t.Helper()
	job, err := repo.CreateJob(models.Job{ID: id, Owner: "tester", TotalItems: len(keys)})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for idx, key := range keys {
		if _, err := repo.CreateItem(models.JobItem{
			JobID:      id,
			Key:        key,
			Position:   idx,
			SourcePath: "/videos/" + key + ".mp4",
			SourceName: key + ".mp4",
			Title:      "Video " + key,
			Tags:       []string{"a", "b"},
			Visibility: models.DefaultVisibility,
			Category:   models.DefaultCategory,
		}); err != nil {
			t.Fatalf("CreateItem %s: %v", key, err)
		}
	}
	return job
}

// RunRepositoryJobLifecycle walks a job from pending to completed and checks
// the counters and derived progress along the way.
func RunRepositoryJobLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	job := seedJob(t, repo, "job-1", "a", "b", "c")
	if job.Status != models.JobStatusPending {
		t.Fatalf("expected pending job, got %q", job.Status)
	}
	if job.ProgressPercent != 0 {
		t.Fatalf("expected zero progress, got %v", job.ProgressPercent)
	}

	if _, err := repo.CreateJob(models.Job{ID: "job-1", TotalItems: 1}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate job, got %v", err)
	}

	running := models.JobStatusRunning
	started := time.Now().UTC()
	if _, err := repo.UpdateJob(job.ID, JobUpdate{Status: &running, StartedAt: &started}); err != nil {
		t.Fatalf("UpdateJob running: %v", err)
	}

	updated, err := repo.IncrementJobCounts(job.ID, 1, 0)
	if err != nil {
		t.Fatalf("IncrementJobCounts: %v", err)
	}
	if updated.SucceededCount != 1 || updated.FailedCount != 0 {
		t.Fatalf("unexpected counts %d/%d", updated.SucceededCount, updated.FailedCount)
	}
	if want := models.ProgressPercent(1, 3); updated.ProgressPercent != want {
		t.Fatalf("expected progress %v, got %v", want, updated.ProgressPercent)
	}

	if _, err := repo.IncrementJobCounts(job.ID, 0, 1); err != nil {
		t.Fatalf("IncrementJobCounts failed item: %v", err)
	}
	updated, err = repo.IncrementJobCounts(job.ID, 1, 0)
	if err != nil {
		t.Fatalf("IncrementJobCounts last item: %v", err)
	}
	if updated.ProgressPercent != models.ProgressPercent(2, 3) {
		t.Fatalf("failed items must not count as progress, got %v", updated.ProgressPercent)
	}

	if _, err := repo.IncrementJobCounts(job.ID, 1, 0); !errors.Is(err, ErrCountOverflow) {
		t.Fatalf("expected ErrCountOverflow, got %v", err)
	}

	completed := models.JobStatusCompleted
	now := time.Now().UTC()
	final, err := repo.UpdateJob(job.ID, JobUpdate{Status: &completed, CompletedAt: &now})
	if err != nil {
		t.Fatalf("UpdateJob completed: %v", err)
	}
	if final.SucceededCount+final.FailedCount != final.TotalItems {
		t.Fatalf("expected all items accounted for, got %d+%d of %d", final.SucceededCount, final.FailedCount, final.TotalItems)
	}
	if final.CompletedAt == nil || final.StartedAt == nil {
		t.Fatal("expected start and completion timestamps")
	}

	fetched, ok := repo.GetJob(job.ID)
	if !ok {
		t.Fatal("expected job to exist")
	}
	if fetched.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed status, got %q", fetched.Status)
	}
	if _, ok := repo.GetJob("missing"); ok {
		t.Fatal("expected missing job lookup to fail")
	}
}

// RunRepositoryItemProgress checks item ordering and that in-flight progress
// never moves backwards.
func RunRepositoryItemProgress(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	seedJob(t, repo, "job-items", "first", "second")

	items, err := repo.ListItems("job-items")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 2 || items[0].Key != "first" || items[1].Key != "second" {
		t.Fatalf("unexpected item order: %+v", items)
	}
	if items[0].Status != models.ItemStatusPending {
		t.Fatalf("expected pending item, got %q", items[0].Status)
	}

	uploading := models.ItemStatusUploading
	zero := 0.0
	if _, err := repo.UpdateItem("job-items", "first", ItemUpdate{Status: &uploading, UploadProgressPercent: &zero}); err != nil {
		t.Fatalf("UpdateItem uploading: %v", err)
	}
	half := 50.0
	if _, err := repo.UpdateItem("job-items", "first", ItemUpdate{Status: &uploading, UploadProgressPercent: &half}); err != nil {
		t.Fatalf("UpdateItem 50: %v", err)
	}
	lower := 20.0
	item, err := repo.UpdateItem("job-items", "first", ItemUpdate{Status: &uploading, UploadProgressPercent: &lower})
	if err != nil {
		t.Fatalf("UpdateItem 20: %v", err)
	}
	if item.UploadProgressPercent != 50 {
		t.Fatalf("expected progress to stay at 50, got %v", item.UploadProgressPercent)
	}

	completed := models.ItemStatusCompleted
	full := 100.0
	remote := "remote-1"
	now := time.Now().UTC()
	item, err = repo.UpdateItem("job-items", "first", ItemUpdate{
		Status:                &completed,
		UploadProgressPercent: &full,
		RemoteID:              &remote,
		CompletedAt:           &now,
	})
	if err != nil {
		t.Fatalf("UpdateItem completed: %v", err)
	}
	if item.RemoteID != remote || item.UploadProgressPercent != 100 || item.CompletedAt == nil {
		t.Fatalf("unexpected completed item: %+v", item)
	}

	if _, err := repo.UpdateItem("job-items", "missing", ItemUpdate{Status: &completed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing item, got %v", err)
	}
	if _, err := repo.CreateItem(models.JobItem{JobID: "job-items", Key: "first", SourcePath: "x"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate key, got %v", err)
	}
	if _, err := repo.ListItems("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing unknown job, got %v", err)
	}
}

// RunRepositoryConcurrentIncrements hammers IncrementJobCounts from several
// goroutines and checks no update is lost.
func RunRepositoryConcurrentIncrements(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	const total = 40
	if _, err := repo.CreateJob(models.Job{ID: "job-concurrent", TotalItems: total}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			succeeded, failed := 1, 0
			if i%4 == 0 {
				succeeded, failed = 0, 1
			}
			if _, err := repo.IncrementJobCounts("job-concurrent", succeeded, failed); err != nil {
				t.Errorf("IncrementJobCounts: %v", err)
			}
		}(i)
	}
	wg.Wait()

	job, ok := repo.GetJob("job-concurrent")
	if !ok {
		t.Fatal("expected job")
	}
	if job.SucceededCount != 30 || job.FailedCount != 10 {
		t.Fatalf("expected 30/10, got %d/%d", job.SucceededCount, job.FailedCount)
	}
	if job.ProgressPercent != 75 {
		t.Fatalf("expected progress 75, got %v", job.ProgressPercent)
	}
}

// RunRepositorySessions checks that sessions round-trip without the raw
// target key.
func RunRepositorySessions(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	started := time.Now().UTC().Truncate(time.Millisecond)
	session, err := repo.CreateSession(models.StreamSession{
		ID:                "batch-1-slot-1",
		BatchIndex:        1,
		VideoSource:       "/videos/loop.mp4",
		TargetKey:         "secret-key",
		TargetFingerprint: "fp",
		Settings:          models.StreamSettings{Resolution: "1280x720", FPS: 30, Loop: true},
		State:             models.SessionStateStarting,
		StartedAt:         started,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.TargetKey != "" {
		t.Fatal("expected raw target key to be dropped")
	}

	live := models.SessionStateLive
	if _, err := repo.UpdateSession(session.ID, SessionUpdate{State: &live}); err != nil {
		t.Fatalf("UpdateSession live: %v", err)
	}
	stopped := models.SessionStateStopped
	now := time.Now().UTC()
	if _, err := repo.UpdateSession(session.ID, SessionUpdate{State: &stopped, StoppedAt: &now}); err != nil {
		t.Fatalf("UpdateSession stopped: %v", err)
	}

	sessions, err := repo.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.State != models.SessionStateStopped || got.StoppedAt == nil {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if !got.Settings.Loop || got.Settings.FPS != 30 {
		t.Fatalf("settings not preserved: %+v", got.Settings)
	}
	if got.TargetKey != "" || got.TargetFingerprint != "fp" {
		t.Fatalf("unexpected key fields: key=%q fingerprint=%q", got.TargetKey, got.TargetFingerprint)
	}
	if _, err := repo.UpdateSession("missing", SessionUpdate{State: &live}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// RunRepositoryLogs appends entries for two correlation ids and reads back
// the newest ones in order.
func RunRepositoryLogs(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	base := time.Now().UTC().Truncate(time.Millisecond)
	entries := make([]models.LogEntry, 0, 6)
	for i := 0; i < 6; i++ {
		id := "job-a"
		if i%2 == 1 {
			id = "job-b"
		}
		entries = append(entries, models.LogEntry{
			Seq:           int64(i + 1),
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			CorrelationID: id,
			Category:      models.LogCategoryInfo,
			Message:       "message",
		})
	}
	if err := repo.AppendLogs(entries); err != nil {
		t.Fatalf("AppendLogs: %v", err)
	}

	logs, err := repo.ListLogs("job-a", 2)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(logs))
	}
	if logs[0].Seq != 3 || logs[1].Seq != 5 {
		t.Fatalf("expected newest entries 3 and 5 in order, got %d and %d", logs[0].Seq, logs[1].Seq)
	}

	all, err := repo.ListLogs("", 0)
	if err != nil {
		t.Fatalf("ListLogs all: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(all))
	}

	none, err := repo.ListLogs("unknown", 10)
	if err != nil {
		t.Fatalf("ListLogs unknown: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no entries, got %d", len(none))
	}
}
