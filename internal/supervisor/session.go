// Package supervisor runs and watches the external ffmpeg process of one
// live stream slot.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"media-orchestrator/internal/logsink"
	"media-orchestrator/internal/models"
	"media-orchestrator/internal/observability/metrics"
)

const (
	defaultBinary      = "ffmpeg"
	defaultGracePeriod = 10 * time.Second
	maxLineBytes       = 1024 * 1024
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("session already started")

// Config is shared by every session of a process.
type Config struct {
	Binary      string
	GracePeriod time.Duration
	Logs        *logsink.Sink
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	Clock       func() time.Time
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Binary) == "" {
		c.Binary = defaultBinary
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	if c.Logs == nil {
		c.Logs = logsink.New(logsink.Config{Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// CheckBinary reports whether the configured binary can be found on PATH.
func (c Config) CheckBinary() (string, error) {
	c = c.withDefaults()
	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return "", fmt.Errorf("stream binary %q: %w", c.Binary, err)
	}
	return path, nil
}

// Spec describes what one session publishes and where.
type Spec struct {
	SessionID   string
	BatchIndex  int
	VideoSource string
	Title       string
	IngestURL   string
	TargetKey   string
	BroadcastID string
	Settings    models.StreamSettings
}

// Session supervises a single stream process.
type Session struct {
	cfg    Config
	spec   Spec
	prefix string
	logger *slog.Logger

	mu        sync.Mutex
	state     string
	errText   string
	startedAt time.Time
	stoppedAt *time.Time
	launched  bool
	stopping  bool
	cmd       *exec.Cmd
	cancel    context.CancelFunc

	done      chan struct{}
	closeDone sync.Once
}

// NewSession prepares a session in the starting state.
func NewSession(cfg Config, spec Spec) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		spec:      spec,
		prefix:    fmt.Sprintf("[batch %d] ", spec.BatchIndex),
		logger:    cfg.Logger.With("component", "supervisor", "session_id", spec.SessionID, "batch", spec.BatchIndex),
		state:     models.SessionStateStarting,
		startedAt: cfg.Clock(),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.spec.SessionID }

// Done is closed once the session has reached stopped or failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the session's persisted view. The raw target key is
// replaced by its fingerprint.
func (s *Session) Snapshot() models.StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := models.StreamSession{
		ID:                s.spec.SessionID,
		BatchIndex:        s.spec.BatchIndex,
		VideoSource:       s.spec.VideoSource,
		Title:             s.spec.Title,
		TargetFingerprint: Fingerprint(s.spec.TargetKey),
		IngestURL:         s.spec.IngestURL,
		BroadcastID:       s.spec.BroadcastID,
		Settings:          s.spec.Settings,
		State:             s.state,
		Error:             s.errText,
		StartedAt:         s.startedAt,
	}
	if s.stoppedAt != nil {
		stopped := *s.stoppedAt
		session.StoppedAt = &stopped
	}
	return session
}

// Start launches the process. ctx bounds the launch only; the process runs
// until it exits or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.launched || s.state != models.SessionStateStarting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.launched = true
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.launchFailed(err)
	}

	target := TargetURL(s.spec.IngestURL, s.spec.TargetKey, s.spec.Settings)
	args := BuildArgs(s.spec.VideoSource, target, s.spec.Settings)

	reader, writer, err := os.Pipe()
	if err != nil {
		return s.launchFailed(fmt.Errorf("create output pipe: %w", err))
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.cfg.Binary, args...)
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		cancel()
		_ = reader.Close()
		_ = writer.Close()
		return s.launchFailed(err)
	}
	_ = writer.Close()

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.state = models.SessionStateLive
	stopping := s.stopping
	s.mu.Unlock()

	s.cfg.Metrics.SessionStarted()
	s.cfg.Logs.Append(s.spec.SessionID, models.LogCategoryInfo,
		s.prefix+Redact(fmt.Sprintf("started %s %s", s.cfg.Binary, strings.Join(args, " ")), s.spec.TargetKey),
		logsink.WithSourceFile(s.spec.VideoSource))
	s.logger.Info("stream process started", "pid", cmd.Process.Pid)

	scanned := make(chan struct{})
	go s.forwardOutput(reader, scanned)
	go s.wait(cmd, cancel, reader, scanned)
	if stopping {
		cancel()
	}
	return nil
}

// Stop interrupts the process and waits for it to exit. After the grace
// period the process is killed. Stop is safe to call at any time and more
// than once.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.launched {
		s.launched = true
		s.state = models.SessionStateStopped
		stopped := s.cfg.Clock()
		s.stoppedAt = &stopped
		s.mu.Unlock()
		s.finish()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	cmd := s.cmd
	s.mu.Unlock()

	if cancel == nil {
		// Start is still launching or has already failed.
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-s.done
		return nil
	}
}

func (s *Session) launchFailed(err error) error {
	s.mu.Lock()
	s.state = models.SessionStateFailed
	s.errText = Redact(err.Error(), s.spec.TargetKey)
	stopped := s.cfg.Clock()
	s.stoppedAt = &stopped
	s.mu.Unlock()

	s.cfg.Metrics.SessionFailed()
	s.cfg.Logs.Append(s.spec.SessionID, models.LogCategoryError, s.prefix+"failed to start stream process: "+s.errText)
	s.logger.Error("stream process failed to start", "error", s.errText)
	s.finish()
	return fmt.Errorf("start stream process: %w", err)
}

func (s *Session) forwardOutput(r io.Reader, scanned chan<- struct{}) {
	defer close(scanned)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.cfg.Logs.Append(s.spec.SessionID, models.LogCategoryProcessOutput, s.prefix+Redact(line, s.spec.TargetKey))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("stream output reader stopped", "error", err)
	}
}

func (s *Session) wait(cmd *exec.Cmd, cancel context.CancelFunc, reader *os.File, scanned <-chan struct{}) {
	waitErr := cmd.Wait()
	cancel()

	// A grandchild holding the pipe open must not keep the session alive.
	select {
	case <-scanned:
	case <-time.After(s.cfg.GracePeriod):
		_ = reader.Close()
		<-scanned
	}
	_ = reader.Close()

	s.mu.Lock()
	if s.state != models.SessionStateFailed {
		s.state = models.SessionStateStopped
	}
	stopped := s.cfg.Clock()
	s.stoppedAt = &stopped
	s.mu.Unlock()

	message := "stream process exited"
	if waitErr != nil {
		message = fmt.Sprintf("stream process exited: %v", waitErr)
	}
	s.cfg.Metrics.SessionStopped()
	s.cfg.Logs.Append(s.spec.SessionID, models.LogCategoryInfo, s.prefix+Redact(message, s.spec.TargetKey))
	s.logger.Info("stream process exited", "error", waitErr)
	s.finish()
}

func (s *Session) finish() {
	s.closeDone.Do(func() { close(s.done) })
}

// splitByNewlineOrCR splits on '\n' or '\r' so ffmpeg's in-place progress
// lines arrive one by one.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
