package logsink

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"media-orchestrator/internal/models"
	"media-orchestrator/internal/observability/metrics"
)

const (
	defaultCapacity          = 100
	defaultMaxIDs            = 1024
	defaultDashboardCapacity = 1000
	defaultQueueSize         = 1024
	defaultBatchSize         = 64
	defaultFlushInterval     = 500 * time.Millisecond
	defaultMirrorTimeout     = 5 * time.Second
)

// Mirror receives batches of entries after they have been appended.
type Mirror interface {
	Name() string
	Write(ctx context.Context, entries []models.LogEntry) error
}

// Reader serves entries that have aged out of the in-memory rings.
type Reader interface {
	ListLogs(correlationID string, limit int) ([]models.LogEntry, error)
}

// Attr decorates an entry before it is recorded.
type Attr func(*models.LogEntry)

// WithSourceFile tags the entry with the media file it concerns.
func WithSourceFile(path string) Attr {
	return func(entry *models.LogEntry) { entry.SourceFile = path }
}

// WithChannel tags the entry with the remote channel identity.
func WithChannel(identity string) Attr {
	return func(entry *models.LogEntry) { entry.ChannelIdentity = identity }
}

// Config tunes the sink. Zero values fall back to defaults.
type Config struct {
	Capacity int
	// MaxIDs bounds how many correlation ids keep a ring. Past it the id
	// that went longest without an append loses its ring; its entries are
	// then served by Reader.
	MaxIDs            int
	DashboardCapacity int
	QueueSize         int
	BatchSize         int
	FlushInterval     time.Duration
	MirrorTimeout     time.Duration
	Mirrors           []Mirror
	Reader            Reader
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Clock             func() time.Time
}

// Sink is an append-only, per-correlation-id event log. Appends never fail
// and never block on mirrors.
type Sink struct {
	capacity int
	maxIDs   int
	mirrors  []Mirror
	reader   Reader
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    func() time.Time

	batchSize     int
	flushInterval time.Duration
	mirrorTimeout time.Duration

	mu        sync.Mutex
	seq       int64
	rings     map[string]*list.Element
	idle      *list.List // of *idRing, most recently appended first
	dashboard *ring
	closed    bool
	dropped   int64

	queue     chan models.LogEntry
	stop      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

// New constructs a Sink and starts its mirror goroutine when mirrors are
// configured.
func New(cfg Config) *Sink {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxIDs <= 0 {
		cfg.MaxIDs = defaultMaxIDs
	}
	if cfg.DashboardCapacity <= 0 {
		cfg.DashboardCapacity = defaultDashboardCapacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = defaultMirrorTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	mirrors := make([]Mirror, 0, len(cfg.Mirrors))
	for _, mirror := range cfg.Mirrors {
		if mirror != nil {
			mirrors = append(mirrors, mirror)
		}
	}

	s := &Sink{
		capacity:      cfg.Capacity,
		maxIDs:        cfg.MaxIDs,
		mirrors:       mirrors,
		reader:        cfg.Reader,
		logger:        cfg.Logger.With("component", "logsink"),
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		mirrorTimeout: cfg.MirrorTimeout,
		// Sequence numbers start at the sink's start time so they keep
		// increasing across restarts.
		seq:       cfg.Clock().UnixMicro(),
		rings:     make(map[string]*list.Element),
		idle:      list.New(),
		dashboard: newRing(cfg.DashboardCapacity),
		stop:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	if len(mirrors) > 0 {
		s.queue = make(chan models.LogEntry, cfg.QueueSize)
		go s.run()
	} else {
		close(s.finished)
	}
	return s
}

// Append records an entry and returns it with its sequence number and
// timestamp assigned.
func (s *Sink) Append(correlationID, category, message string, attrs ...Attr) models.LogEntry {
	entry := models.LogEntry{
		CorrelationID: strings.TrimSpace(correlationID),
		Category:      models.NormalizeCategory(category),
		Message:       message,
	}
	for _, attr := range attrs {
		if attr != nil {
			attr(&entry)
		}
	}

	s.mu.Lock()
	s.seq++
	entry.Seq = s.seq
	entry.Timestamp = s.clock()
	s.ringLocked(entry.CorrelationID).push(entry)
	s.dashboard.push(entry)
	// Queueing under the lock keeps mirror order equal to sequence order.
	if s.queue != nil && !s.closed {
		select {
		case s.queue <- entry:
		default:
			s.dropped++
			s.metrics.LogDropped()
		}
	}
	s.mu.Unlock()

	s.metrics.LogAppended(entry.Category)
	return entry
}

// Infof appends an info entry.
func (s *Sink) Infof(correlationID, format string, args ...any) models.LogEntry {
	return s.Append(correlationID, models.LogCategoryInfo, fmt.Sprintf(format, args...))
}

// Errorf appends an error entry.
func (s *Sink) Errorf(correlationID, format string, args ...any) models.LogEntry {
	return s.Append(correlationID, models.LogCategoryError, fmt.Sprintf(format, args...))
}

// Recent returns up to limit of the newest entries for correlationID in
// chronological order. When the ring holds fewer than limit entries the
// durable reader, if any, fills in older ones.
func (s *Sink) Recent(correlationID string, limit int) []models.LogEntry {
	if limit <= 0 {
		limit = s.capacity
	}
	s.mu.Lock()
	inMemory := s.entriesLocked(correlationID)
	s.mu.Unlock()

	if len(inMemory) >= limit || s.reader == nil {
		return tail(inMemory, limit)
	}
	older, err := s.reader.ListLogs(correlationID, limit)
	if err != nil {
		s.logger.Warn("read durable logs failed", "correlation_id", correlationID, "error", err)
		return tail(inMemory, limit)
	}
	return tail(mergeOlder(older, inMemory), limit)
}

// Dashboard returns up to limit of the newest entries across every
// correlation id, newest first.
func (s *Sink) Dashboard(limit int) []models.LogEntry {
	if limit <= 0 {
		limit = s.capacity
	}
	s.mu.Lock()
	inMemory := s.dashboard.entries()
	s.mu.Unlock()

	combined := inMemory
	if len(inMemory) < limit && s.reader != nil {
		older, err := s.reader.ListLogs("", limit)
		if err != nil {
			s.logger.Warn("read durable logs failed", "error", err)
		} else {
			combined = mergeOlder(older, inMemory)
		}
	}
	latest := tail(combined, limit)
	for i, j := 0, len(latest)-1; i < j; i, j = i+1, j-1 {
		latest[i], latest[j] = latest[j], latest[i]
	}
	return latest
}

// Export renders every known entry for correlationID as plain text, one
// "[timestamp] category: message" line per entry.
func (s *Sink) Export(correlationID string) (string, error) {
	s.mu.Lock()
	inMemory := s.entriesLocked(correlationID)
	s.mu.Unlock()

	entries := inMemory
	if s.reader != nil {
		older, err := s.reader.ListLogs(correlationID, 0)
		if err != nil {
			return "", fmt.Errorf("read durable logs: %w", err)
		}
		entries = mergeOlder(older, inMemory)
	}

	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", entry.Timestamp.UTC().Format(time.RFC3339), entry.Category, entry.Message)
	}
	return b.String(), nil
}

// Dropped reports how many entries could not be queued for mirroring.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting entries for mirroring and flushes what is queued.
// Appends after Close still reach the in-memory rings.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type idRing struct {
	id   string
	ring *ring
}

// ringLocked returns the ring for id, creating it and evicting the idlest
// ring past maxIDs.
func (s *Sink) ringLocked(id string) *ring {
	if el, ok := s.rings[id]; ok {
		s.idle.MoveToFront(el)
		return el.Value.(*idRing).ring
	}
	r := newRing(s.capacity)
	s.rings[id] = s.idle.PushFront(&idRing{id: id, ring: r})
	for s.idle.Len() > s.maxIDs {
		oldest := s.idle.Remove(s.idle.Back()).(*idRing)
		delete(s.rings, oldest.id)
		s.logger.Debug("evicted idle log ring", "correlation_id", oldest.id)
	}
	return r
}

func (s *Sink) entriesLocked(id string) []models.LogEntry {
	if el, ok := s.rings[id]; ok {
		return el.Value.(*idRing).ring.entries()
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.finished)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]models.LogEntry, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = make([]models.LogEntry, 0, s.batchSize)
	}

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Sink) write(batch []models.LogEntry) {
	for _, mirror := range s.mirrors {
		ctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
		err := mirror.Write(ctx, batch)
		cancel()
		if err != nil {
			s.logger.Error("log mirror write failed", "mirror", mirror.Name(), "entries", len(batch), "error", err)
		}
	}
}

// mergeOlder prepends durable entries that predate the in-memory window.
func mergeOlder(older, inMemory []models.LogEntry) []models.LogEntry {
	if len(older) == 0 {
		return inMemory
	}
	cutoff := int64(-1)
	if len(inMemory) > 0 {
		cutoff = inMemory[0].Seq
	}
	merged := make([]models.LogEntry, 0, len(older)+len(inMemory))
	for _, entry := range older {
		if cutoff < 0 || entry.Seq < cutoff {
			merged = append(merged, entry)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	return append(merged, inMemory...)
}

func tail(entries []models.LogEntry, limit int) []models.LogEntry {
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.LogEntry, len(entries))
	copy(out, entries)
	return out
}
