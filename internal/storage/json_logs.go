package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"media-orchestrator/internal/models"
)

// AppendLogs writes entries to the JSON-lines log file in order.
func (s *JSONRepository) AppendLogs(entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()

	file, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			_ = file.Close()
			return fmt.Errorf("encode log entry: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush log file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	return file.Close()
}

// ListLogs returns the newest limit entries for correlationID in append
// order. An empty correlationID matches every entry; limit <= 0 means all.
func (s *JSONRepository) ListLogs(correlationID string, limit int) ([]models.LogEntry, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return readLogFile(s.logPath, correlationID, limit)
}

func readLogFile(path, correlationID string, limit int) ([]models.LogEntry, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.LogEntry{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	entries := make([]models.LogEntry, 0)
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		// Lines have no length cap: a 1 MiB process line can grow several
		// times over once JSON escapes it.
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var entry models.LogEntry
			// Torn lines from an interrupted append are skipped.
			if json.Unmarshal(line, &entry) == nil && (correlationID == "" || entry.CorrelationID == correlationID) {
				entries = append(entries, entry)
				if limit > 0 && len(entries) > limit {
					entries = entries[1:]
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read log file: %w", err)
		}
	}
}
