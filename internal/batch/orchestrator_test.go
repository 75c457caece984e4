package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-orchestrator/internal/logsink"
	"media-orchestrator/internal/models"
	"media-orchestrator/internal/observability/metrics"
	"media-orchestrator/internal/platform"
	"media-orchestrator/internal/storage"
	"media-orchestrator/internal/supervisor"
)

type fakeProcess struct {
	spec     supervisor.Spec
	startErr error
	gate     <-chan struct{}
	onStart  func()

	mu        sync.Mutex
	state     string
	stops     int
	stoppedAt *time.Time
	done      chan struct{}
	once      sync.Once
}

func (p *fakeProcess) ID() string { return p.spec.SessionID }

func (p *fakeProcess) Start(ctx context.Context) error {
	if p.onStart != nil {
		p.onStart()
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.startErr != nil {
		p.finish(models.SessionStateFailed)
		return p.startErr
	}
	p.mu.Lock()
	p.state = models.SessionStateLive
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.finish(models.SessionStateStopped)
	return nil
}

// exit simulates the process ending on its own.
func (p *fakeProcess) exit() { p.finish(models.SessionStateStopped) }

func (p *fakeProcess) finish(state string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.state = state
		now := time.Now().UTC()
		p.stoppedAt = &now
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *fakeProcess) Snapshot() models.StreamSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.StreamSession{
		ID:                p.spec.SessionID,
		BatchIndex:        p.spec.BatchIndex,
		VideoSource:       p.spec.VideoSource,
		Title:             p.spec.Title,
		TargetFingerprint: supervisor.Fingerprint(p.spec.TargetKey),
		IngestURL:         p.spec.IngestURL,
		BroadcastID:       p.spec.BroadcastID,
		Settings:          p.spec.Settings,
		State:             p.state,
		StartedAt:         time.Now().UTC(),
		StoppedAt:         p.stoppedAt,
	}
}

type fakeLauncher struct {
	mu        sync.Mutex
	processes map[string]*fakeProcess
	startErr  map[int]error
	gate      chan struct{}
	onStart   func()
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{processes: make(map[string]*fakeProcess), startErr: make(map[int]error)}
}

func (l *fakeLauncher) launch(spec supervisor.Spec) Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	process := &fakeProcess{
		spec:     spec,
		startErr: l.startErr[spec.BatchIndex],
		gate:     l.gate,
		onStart:  l.onStart,
		state:    models.SessionStateStarting,
		done:     make(chan struct{}),
	}
	l.processes[spec.SessionID] = process
	return process
}

func (l *fakeLauncher) byIndex(t *testing.T, index int) *fakeProcess {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, process := range l.processes {
		if process.spec.BatchIndex == index {
			return process
		}
	}
	t.Fatalf("no process for batch %d", index)
	return nil
}

type fakePlatform struct {
	mu      sync.Mutex
	created []platform.BroadcastParams
	ended   []string
}

func (f *fakePlatform) CreateBroadcast(_ context.Context, params platform.BroadcastParams) (platform.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	if strings.Contains(params.Title, "broken") {
		return platform.Broadcast{}, &platform.StatusError{Method: "POST", URL: "/v1/broadcasts", Code: 403, Status: "403 Forbidden"}
	}
	return platform.Broadcast{
		ID:        "bc-" + params.Title,
		IngestURL: "rtmp://ingest.example.com/live2",
		StreamKey: "stream-key-" + params.Title,
	}, nil
}

func (f *fakePlatform) EndBroadcast(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakePlatform) Ping(context.Context) error { return nil }

func (f *fakePlatform) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) error {
	s.calls.Add(1)
	return s.err
}

type fixture struct {
	orchestrator *Orchestrator
	store        storage.Repository
	launcher     *fakeLauncher
	platform     *fakePlatform
	sweeper      *countingSweeper
	dir          string
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	f := &fixture{store: store, launcher: newFakeLauncher(), platform: &fakePlatform{}, sweeper: &countingSweeper{}, dir: dir}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	cfg := Config{
		Store:      store,
		Platform:   f.platform,
		Sweeper:    f.sweeper,
		Logs:       logsink.New(logsink.Config{Logger: logger, Metrics: recorder}),
		Metrics:    recorder,
		Logger:     logger,
		NewProcess: f.launcher.launch,
	}
	if configure != nil {
		configure(&cfg)
	}
	f.orchestrator = New(cfg)
	return f
}

func (f *fixture) media(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return path
}

func (f *fixture) session(t *testing.T, id string) models.StreamSession {
	t.Helper()
	sessions, err := f.store.ListSessions()
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	for _, session := range sessions {
		if session.ID == id {
			return session
		}
	}
	t.Fatalf("session %s not persisted", id)
	return models.StreamSession{}
}

func (f *fixture) sessionState(id string) string {
	sessions, err := f.store.ListSessions()
	if err != nil {
		return ""
	}
	for _, session := range sessions {
		if session.ID == id {
			return session.State
		}
	}
	return ""
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartBatchReportsPerSlot(t *testing.T) {
	f := newFixture(t, nil)
	source := f.media(t, "loop.mp4")

	results := f.orchestrator.StartBatch(context.Background(), []SlotConfig{
		{VideoSource: source, Title: "Morning"},
		{VideoSource: filepath.Join(f.dir, "missing.mp4")},
		{VideoSource: source, TargetKey: "own-key", Settings: models.StreamSettings{CustomIngestURL: "rtmp://custom.example.com/app"}},
		{VideoSource: source, Title: "broken channel"},
	})

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, result := range results {
		if result.BatchIndex != i+1 {
			t.Fatalf("result %d has batch index %d", i, result.BatchIndex)
		}
	}
	if !results[0].Accepted || results[0].SessionID == "" {
		t.Fatalf("slot 1 should be accepted: %+v", results[0])
	}
	if results[1].Accepted || !strings.Contains(results[1].Reason, "not found") {
		t.Fatalf("slot 2 should be rejected for a missing source: %+v", results[1])
	}
	if !results[2].Accepted {
		t.Fatalf("slot 3 should be accepted: %+v", results[2])
	}
	if results[3].Accepted || !strings.Contains(results[3].Reason, "create broadcast") {
		t.Fatalf("slot 4 should be rejected by the platform: %+v", results[3])
	}

	if got := f.orchestrator.LiveCount(); got != 2 {
		t.Fatalf("expected 2 live sessions, got %d", got)
	}
	sessions := f.orchestrator.Sessions()
	if len(sessions) != 2 || sessions[0].BatchIndex != 1 || sessions[1].BatchIndex != 3 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	f.platform.mu.Lock()
	created := len(f.platform.created)
	f.platform.mu.Unlock()
	if created != 2 {
		t.Fatalf("expected 2 broadcast requests, got %d", created)
	}

	first := f.launcher.byIndex(t, 1)
	if first.spec.TargetKey != "stream-key-Morning" || first.spec.BroadcastID != "bc-Morning" || first.spec.IngestURL != "rtmp://ingest.example.com/live2" {
		t.Fatalf("unexpected spec for slot 1: %+v", first.spec)
	}
	third := f.launcher.byIndex(t, 3)
	if third.spec.IngestURL != "rtmp://custom.example.com/app" || third.spec.BroadcastID != "" || third.spec.TargetKey != "own-key" {
		t.Fatalf("unexpected spec for slot 3: %+v", third.spec)
	}

	waitFor(t, func() bool { return f.sessionState(results[0].SessionID) == models.SessionStateLive })
	stored := f.session(t, results[0].SessionID)
	if stored.TargetKey != "" || stored.TargetFingerprint != supervisor.Fingerprint("stream-key-Morning") {
		t.Fatalf("stream key handling wrong in store: %+v", stored)
	}
}

func TestStartBatchEmpty(t *testing.T) {
	f := newFixture(t, nil)
	if results := f.orchestrator.StartBatch(context.Background(), nil); len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
}

func TestStartBatchRejectsBadSettings(t *testing.T) {
	f := newFixture(t, nil)
	source := f.media(t, "a.mp4")
	results := f.orchestrator.StartBatch(context.Background(), []SlotConfig{
		{VideoSource: source, Settings: models.StreamSettings{Resolution: "wide"}},
		{VideoSource: f.dir},
	})
	if results[0].Accepted || !strings.Contains(results[0].Reason, "resolution") {
		t.Fatalf("expected resolution rejection, got %+v", results[0])
	}
	if results[1].Accepted || !strings.Contains(results[1].Reason, "not a regular file") {
		t.Fatalf("expected directory rejection, got %+v", results[1])
	}
	if f.orchestrator.LiveCount() != 0 {
		t.Fatal("no session should be live")
	}
}

func TestStartFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.startErr[1] = errors.New("exec: no such file")
	source := f.media(t, "a.mp4")

	results := f.orchestrator.StartBatch(context.Background(), []SlotConfig{{VideoSource: source}})
	if results[0].Accepted || !strings.Contains(results[0].Reason, "no such file") {
		t.Fatalf("expected start failure, got %+v", results[0])
	}
	if got := f.session(t, results[0].SessionID).State; got != models.SessionStateFailed {
		t.Fatalf("expected failed session, got %s", got)
	}
	if ended := f.platform.endedIDs(); len(ended) != 1 || ended[0] != "bc-Live batch 1" {
		t.Fatalf("expected broadcast to be ended, got %v", ended)
	}
	if f.orchestrator.LiveCount() != 0 {
		t.Fatal("failed slot must not be tracked")
	}
}

func TestSessionExitLeavesActiveSet(t *testing.T) {
	f := newFixture(t, nil)
	source := f.media(t, "a.mp4")
	results := f.orchestrator.StartBatch(context.Background(), []SlotConfig{{VideoSource: source}, {VideoSource: source}})

	f.launcher.byIndex(t, 2).exit()

	waitFor(t, func() bool { return f.orchestrator.LiveCount() == 1 })
	waitFor(t, func() bool { return f.sessionState(results[1].SessionID) == models.SessionStateStopped })
	if stored := f.session(t, results[1].SessionID); stored.StoppedAt == nil {
		t.Fatal("expected StoppedAt to be persisted")
	}
	waitFor(t, func() bool { return len(f.platform.endedIDs()) == 1 })
	if sessions := f.orchestrator.Sessions(); len(sessions) != 1 || sessions[0].ID != results[0].SessionID {
		t.Fatalf("unexpected remaining sessions %+v", sessions)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, nil)
	source := f.media(t, "a.mp4")
	results := f.orchestrator.StartBatch(context.Background(), []SlotConfig{{VideoSource: source}, {VideoSource: source}, {VideoSource: source}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orchestrator.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if f.orchestrator.LiveCount() != 0 {
		t.Fatal("expected no live sessions after StopAll")
	}
	for i, result := range results {
		if stops := f.launcher.byIndex(t, i+1).stopCount(); stops != 1 {
			t.Fatalf("slot %d stopped %d times", i+1, stops)
		}
		if got := f.sessionState(result.SessionID); got != models.SessionStateStopped {
			t.Fatalf("slot %d persisted as %s", i+1, got)
		}
	}
	if ended := f.platform.endedIDs(); len(ended) != 3 {
		t.Fatalf("expected 3 ended broadcasts, got %v", ended)
	}
	if f.sweeper.calls.Load() != 0 {
		t.Fatal("sweeper must not run when every handle is known")
	}

	if err := f.orchestrator.StopAll(ctx); err != nil {
		t.Fatalf("second StopAll: %v", err)
	}
}

func TestStopAllSweepsRecoveredSessions(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.store.CreateSession(models.StreamSession{
		ID:          "left-over",
		BatchIndex:  1,
		VideoSource: "/media/a.mp4",
		BroadcastID: "bc-old",
		State:       models.SessionStateLive,
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := f.store.CreateSession(models.StreamSession{
		ID:        "finished",
		State:     models.SessionStateStopped,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := f.orchestrator.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if err := f.orchestrator.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if f.sweeper.calls.Load() != 1 {
		t.Fatalf("expected one sweep, got %d", f.sweeper.calls.Load())
	}
	if got := f.sessionState("left-over"); got != models.SessionStateStopped {
		t.Fatalf("expected recovered session stopped, got %s", got)
	}
	if ended := f.platform.endedIDs(); len(ended) != 1 || ended[0] != "bc-old" {
		t.Fatalf("expected old broadcast ended, got %v", ended)
	}

	if err := f.orchestrator.StopAll(context.Background()); err != nil {
		t.Fatalf("second StopAll: %v", err)
	}
	if f.sweeper.calls.Load() != 1 {
		t.Fatal("orphans are swept once")
	}
}

func TestStopAllReportsSweepFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.sweeper.err = errors.New("pkill: permission denied")
	if _, err := f.store.CreateSession(models.StreamSession{ID: "orphan", State: models.SessionStateLive, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := f.orchestrator.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if err := f.orchestrator.StopAll(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
}

func TestStartBatchBoundsConcurrentStarts(t *testing.T) {
	gate := make(chan struct{})
	var running, peak atomic.Int32
	f := newFixture(t, func(cfg *Config) { cfg.MaxConcurrentStarts = 2 })
	f.launcher.gate = gate
	f.launcher.onStart = func() {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
	}
	source := f.media(t, "a.mp4")
	slots := make([]SlotConfig, 5)
	for i := range slots {
		slots[i] = SlotConfig{VideoSource: source, Settings: models.StreamSettings{CustomIngestURL: "rtmp://custom/app"}}
	}

	done := make(chan []SlotResult, 1)
	go func() { done <- f.orchestrator.StartBatch(context.Background(), slots) }()

	for released := 0; released < len(slots); released++ {
		waitFor(t, func() bool { return running.Load() >= 1 })
		running.Add(-1)
		gate <- struct{}{}
	}

	results := <-done
	for _, result := range results {
		if !result.Accepted {
			t.Fatalf("slot rejected: %+v", result)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent starts, saw %d", got)
	}
	if f.orchestrator.LiveCount() != len(slots) {
		t.Fatalf("expected %d live sessions, got %d", len(slots), f.orchestrator.LiveCount())
	}
}
