// Package batch starts and stops groups of live stream sessions.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"media-orchestrator/internal/logsink"
	"media-orchestrator/internal/models"
	"media-orchestrator/internal/observability/metrics"
	"media-orchestrator/internal/platform"
	"media-orchestrator/internal/storage"
	"media-orchestrator/internal/supervisor"
)

// SlotConfig is one stream of a batch request.
type SlotConfig struct {
	BatchIndex  int                   `json:"batchIndex,omitempty"`
	VideoSource string                `json:"videoSource"`
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
	Privacy     string                `json:"privacy,omitempty"`
	TargetKey   string                `json:"targetKey,omitempty"`
	Settings    models.StreamSettings `json:"settings"`
}

// SlotResult reports whether a slot went live. Reason is set on rejection.
type SlotResult struct {
	BatchIndex int    `json:"batchIndex"`
	SessionID  string `json:"sessionId,omitempty"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

// Process is a supervised stream. *supervisor.Session implements it.
type Process interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Snapshot() models.StreamSession
}

// Sweeper kills stream processes whose handles were lost.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

type Config struct {
	Store      storage.Repository
	Platform   platform.Client
	Supervisor supervisor.Config
	Sweeper    Sweeper
	Logs       *logsink.Sink
	Metrics    *metrics.Recorder
	Logger     *slog.Logger

	// MaxConcurrentStarts bounds how many slots of one batch launch at once.
	MaxConcurrentStarts int
	PlatformTimeout     time.Duration

	NewID      func() string
	NewProcess func(spec supervisor.Spec) Process
}

const (
	defaultMaxConcurrentStarts = 4
	defaultPlatformTimeout     = 30 * time.Second
)

type tracked struct {
	process     Process
	broadcastID string
	watched     chan struct{}
}

// Orchestrator owns the set of live sessions.
type Orchestrator struct {
	store           storage.Repository
	platform        platform.Client
	sweeper         Sweeper
	logs            *logsink.Sink
	metrics         *metrics.Recorder
	logger          *slog.Logger
	maxStarts       int
	platformTimeout time.Duration
	newID           func() string
	newProcess      func(spec supervisor.Spec) Process

	mu      sync.Mutex
	active  map[string]*tracked
	orphans []models.StreamSession
}

func New(cfg Config) *Orchestrator {
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
	client := cfg.Platform
	if client == nil {
		client = platform.NoopClient{}
	}
	maxStarts := cfg.MaxConcurrentStarts
	if maxStarts <= 0 {
		maxStarts = defaultMaxConcurrentStarts
	}
	platformTimeout := cfg.PlatformTimeout
	if platformTimeout <= 0 {
		platformTimeout = defaultPlatformTimeout
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	supervisorCfg := cfg.Supervisor
	if supervisorCfg.Logs == nil {
		supervisorCfg.Logs = logs
	}
	if supervisorCfg.Metrics == nil {
		supervisorCfg.Metrics = recorder
	}
	if supervisorCfg.Logger == nil {
		supervisorCfg.Logger = logger
	}
	newProcess := cfg.NewProcess
	if newProcess == nil {
		newProcess = func(spec supervisor.Spec) Process {
			return supervisor.NewSession(supervisorCfg, spec)
		}
	}
	sweeper := cfg.Sweeper
	if sweeper == nil {
		sweeper = supervisor.Sweeper{Binary: supervisorCfg.Binary, Logger: logger}
	}
	return &Orchestrator{
		store:           cfg.Store,
		platform:        client,
		sweeper:         sweeper,
		logs:            logs,
		metrics:         recorder,
		logger:          logger.With("component", "batch"),
		maxStarts:       maxStarts,
		platformTimeout: platformTimeout,
		newID:           newID,
		newProcess:      newProcess,
		active:          make(map[string]*tracked),
	}
}

// Recover loads sessions a previous run left live. Their processes can no
// longer be signalled directly, so StopAll sweeps them by name.
func (o *Orchestrator) Recover() error {
	if o.store == nil {
		return nil
	}
	sessions, err := o.store.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var orphans []models.StreamSession
	for _, session := range sessions {
		if session.State == models.SessionStateLive || session.State == models.SessionStateStarting {
			orphans = append(orphans, session)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	o.mu.Lock()
	o.orphans = append(o.orphans, orphans...)
	o.mu.Unlock()
	o.logger.Warn("found sessions without a process handle", "count", len(orphans))
	return nil
}

// StartBatch launches every slot concurrently and reports per slot. A
// rejected slot never affects its siblings.
func (o *Orchestrator) StartBatch(ctx context.Context, slots []SlotConfig) []SlotResult {
	results := make([]SlotResult, len(slots))
	var g errgroup.Group
	g.SetLimit(o.maxStarts)
	for i, slot := range slots {
		if slot.BatchIndex <= 0 {
			slot.BatchIndex = i + 1
		}
		g.Go(func() error {
			results[i] = o.startSlot(ctx, slot)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) startSlot(ctx context.Context, slot SlotConfig) SlotResult {
	result := SlotResult{BatchIndex: slot.BatchIndex}
	reject := func(reason string) SlotResult {
		result.Reason = reason
		o.logger.Warn("batch slot rejected", "batch", slot.BatchIndex, "reason", reason)
		return result
	}

	if err := validateSlot(slot); err != nil {
		return reject(err.Error())
	}
	if err := ctx.Err(); err != nil {
		return reject(err.Error())
	}

	title := strings.TrimSpace(slot.Title)
	if title == "" {
		title = fmt.Sprintf("Live batch %d", slot.BatchIndex)
	}
	spec := supervisor.Spec{
		SessionID:   o.newID(),
		BatchIndex:  slot.BatchIndex,
		VideoSource: slot.VideoSource,
		Title:       title,
		TargetKey:   strings.TrimSpace(slot.TargetKey),
		Settings:    slot.Settings,
	}
	result.SessionID = spec.SessionID

	if custom := strings.TrimSpace(slot.Settings.CustomIngestURL); custom != "" {
		spec.IngestURL = custom
	} else {
		broadcast, err := o.createBroadcast(ctx, slot, title)
		if err != nil {
			return reject(fmt.Sprintf("create broadcast: %v", supervisor.Redact(err.Error(), spec.TargetKey)))
		}
		spec.IngestURL = broadcast.IngestURL
		spec.BroadcastID = broadcast.ID
		if spec.TargetKey == "" {
			spec.TargetKey = broadcast.StreamKey
		}
	}

	process := o.newProcess(spec)
	o.createSession(process.Snapshot())
	o.logs.Append(spec.SessionID, models.LogCategoryInfo,
		fmt.Sprintf("[batch %d] starting stream of %s", slot.BatchIndex, slot.VideoSource),
		logsink.WithSourceFile(slot.VideoSource))

	if err := process.Start(ctx); err != nil {
		snapshot := process.Snapshot()
		o.persistFinal(snapshot)
		o.endBroadcast(spec.BroadcastID)
		return reject(supervisor.Redact(err.Error(), spec.TargetKey))
	}

	entry := &tracked{process: process, broadcastID: spec.BroadcastID, watched: make(chan struct{})}
	o.mu.Lock()
	o.active[spec.SessionID] = entry
	o.mu.Unlock()
	go o.watch(spec.SessionID, entry)

	result.Accepted = true
	o.logger.Info("batch slot live", "batch", slot.BatchIndex, "session_id", spec.SessionID)
	return result
}

func validateSlot(slot SlotConfig) error {
	source := strings.TrimSpace(slot.VideoSource)
	if source == "" {
		return errors.New("video source is required")
	}
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("video source %s not found", source)
		}
		return fmt.Errorf("video source %s: %w", source, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("video source %s is not a regular file", source)
	}
	if resolution := strings.TrimSpace(slot.Settings.Resolution); resolution != "" {
		if _, _, err := supervisor.ParseResolution(resolution); err != nil {
			return err
		}
	}
	if slot.Settings.DurationLimit < 0 {
		return errors.New("duration limit cannot be negative")
	}
	return nil
}

func (o *Orchestrator) createBroadcast(ctx context.Context, slot SlotConfig, title string) (platform.Broadcast, error) {
	ctx, cancel := context.WithTimeout(ctx, o.platformTimeout)
	defer cancel()
	settings := supervisor.WithDefaults(slot.Settings)
	o.metrics.ObservePlatformAttempt("create_broadcast")
	broadcast, err := o.platform.CreateBroadcast(ctx, platform.BroadcastParams{
		Title:       title,
		Description: slot.Description,
		Privacy:     slot.Privacy,
		Resolution:  settings.Resolution,
		FrameRate:   settings.FPS,
		StreamKey:   strings.TrimSpace(slot.TargetKey),
	})
	if err != nil {
		o.metrics.ObservePlatformFailure("create_broadcast")
		return platform.Broadcast{}, err
	}
	if strings.TrimSpace(broadcast.StreamKey) == "" && strings.TrimSpace(slot.TargetKey) == "" {
		o.endBroadcast(broadcast.ID)
		return platform.Broadcast{}, errors.New("platform returned no stream key")
	}
	return broadcast, nil
}

func (o *Orchestrator) endBroadcast(id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.platformTimeout)
	defer cancel()
	o.metrics.ObservePlatformAttempt("end_broadcast")
	if err := o.platform.EndBroadcast(ctx, id); err != nil {
		o.metrics.ObservePlatformFailure("end_broadcast")
		o.logger.Warn("end broadcast failed", "broadcast_id", id, "error", err)
	}
}

// watch drops the session from the active set once its process exits and
// records the final state.
func (o *Orchestrator) watch(id string, entry *tracked) {
	defer close(entry.watched)
	o.updateState(id, models.SessionStateLive)
	<-entry.process.Done()

	o.mu.Lock()
	if current, ok := o.active[id]; ok && current == entry {
		delete(o.active, id)
	}
	o.mu.Unlock()

	o.persistFinal(entry.process.Snapshot())
	o.endBroadcast(entry.broadcastID)
}

// LiveCount is the number of sessions whose process is running.
func (o *Orchestrator) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Sessions returns a snapshot of the active sessions ordered by batch index.
func (o *Orchestrator) Sessions() []models.StreamSession {
	o.mu.Lock()
	entries := make([]*tracked, 0, len(o.active))
	for _, entry := range o.active {
		entries = append(entries, entry)
	}
	o.mu.Unlock()

	sessions := make([]models.StreamSession, 0, len(entries))
	for _, entry := range entries {
		sessions = append(sessions, entry.process.Snapshot())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].BatchIndex != sessions[j].BatchIndex {
			return sessions[i].BatchIndex < sessions[j].BatchIndex
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// StopAll stops every active session and waits for their final state to be
// recorded. Sessions recovered without a process handle are swept by name.
// Stopping an empty set succeeds.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	entries := make([]*tracked, 0, len(o.active))
	for _, entry := range o.active {
		entries = append(entries, entry)
	}
	o.active = make(map[string]*tracked)
	orphans := o.orphans
	o.orphans = nil
	o.mu.Unlock()

	if len(entries) == 0 && len(orphans) == 0 {
		return nil
	}
	o.logger.Info("stopping all sessions", "active", len(entries), "orphaned", len(orphans))

	var g errgroup.Group
	for _, entry := range entries {
		g.Go(func() error {
			if err := entry.process.Stop(ctx); err != nil {
				o.logger.Warn("stop session failed", "session_id", entry.process.ID(), "error", err)
			}
			select {
			case <-entry.watched:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(orphans) == 0 {
		return nil
	}
	sweepErr := o.sweeper.Sweep(ctx)
	if sweepErr != nil {
		o.logger.Error("sweep orphaned stream processes failed", "error", sweepErr)
	}
	stoppedAt := time.Now().UTC()
	for _, orphan := range orphans {
		state := models.SessionStateStopped
		o.updateSession(orphan.ID, storage.SessionUpdate{State: &state, StoppedAt: &stoppedAt})
		o.logs.Append(orphan.ID, models.LogCategoryInfo, fmt.Sprintf("[batch %d] stream stopped by sweep", orphan.BatchIndex))
		o.endBroadcast(orphan.BroadcastID)
	}
	return sweepErr
}

func (o *Orchestrator) createSession(session models.StreamSession) {
	if o.store == nil {
		return
	}
	if _, err := o.store.CreateSession(session); err != nil {
		o.logger.Error("persist session failed", "session_id", session.ID, "error", err)
	}
}

func (o *Orchestrator) updateState(id, state string) {
	o.updateSession(id, storage.SessionUpdate{State: &state})
}

func (o *Orchestrator) persistFinal(snapshot models.StreamSession) {
	update := storage.SessionUpdate{State: &snapshot.State, StoppedAt: snapshot.StoppedAt}
	if snapshot.Error != "" {
		update.Error = &snapshot.Error
	}
	o.updateSession(snapshot.ID, update)
}

func (o *Orchestrator) updateSession(id string, update storage.SessionUpdate) {
	if o.store == nil {
		return
	}
	if _, err := o.store.UpdateSession(id, update); err != nil {
		o.logger.Error("update session failed", "session_id", id, "error", err)
	}
}
