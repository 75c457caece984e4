package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Sweeper kills stream processes by name. It backs up StopAll when a
// session's process handle is gone, for example after a restart.
type Sweeper struct {
	Binary   string
	Disabled bool
	Logger   *slog.Logger

	// list runs the process lookup and returns its stdout; nil means exec.
	list func(ctx context.Context, name string, args ...string) ([]byte, error)
	// signal interrupts one pid; nil means os.Process.Signal.
	signal func(pid int) error
}

// sweepPattern matches command lines whose first word is the binary, with or
// without a directory. Arguments that merely mention the binary, such as
// "orchestrator -ffmpeg /usr/bin/ffmpeg", do not match.
func sweepPattern(binary string) string {
	return "^([^ ]*/)?" + regexp.QuoteMeta(filepath.Base(binary)) + "( |$)"
}

// Sweep sends SIGINT to every process started as the stream binary, never
// to the orchestrator itself or its parent. Finding nothing is not an error.
func (s Sweeper) Sweep(ctx context.Context) error {
	if s.Disabled {
		return nil
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binary := strings.TrimSpace(s.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	pattern := sweepPattern(binary)

	list := s.list
	if list == nil {
		list = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	signal := s.signal
	if signal == nil {
		signal = interruptPID
	}

	out, err := list(ctx, "pgrep", "-f", pattern)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		logger.Info("sweep found no stream processes", "pattern", pattern)
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s processes: %w", filepath.Base(binary), err)
	}

	self, parent := os.Getpid(), os.Getppid()
	var (
		swept []int
		errs  []error
	)
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 || pid == self || pid == parent {
			continue
		}
		if err := signal(pid); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				continue
			}
			errs = append(errs, fmt.Errorf("interrupt pid %d: %w", pid, err))
			continue
		}
		swept = append(swept, pid)
	}
	if len(swept) > 0 {
		logger.Warn("swept orphaned stream processes", "pattern", pattern, "pids", swept)
	}
	return errors.Join(errs...)
}

func interruptPID(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(os.Interrupt)
}
