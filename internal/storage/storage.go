package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"media-orchestrator/internal/models"
)

type dataset struct {
	Jobs     map[string]models.Job           `json:"jobs"`
	Items    map[string][]models.JobItem     `json:"items"`
	Sessions map[string]models.StreamSession `json:"sessions"`
}

func newDataset() dataset {
	return dataset{
		Jobs:     make(map[string]models.Job),
		Items:    make(map[string][]models.JobItem),
		Sessions: make(map[string]models.StreamSession),
	}
}

// JSONRepository keeps the whole dataset in memory and rewrites a single JSON
// file on every mutation. Log entries go to a sibling JSON-lines file so
// appends never rewrite the dataset.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error

	logMu   sync.Mutex
	logPath string
}

// NewJSONRepository opens (or creates) the JSON datastore at path.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewJSONStore(path, opts...)
}

// NewJSONStore is NewJSONRepository returning the concrete type.
func NewJSONStore(path string, opts ...Option) (*JSONRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json datastore path required")
	}
	store := &JSONRepository{
		filePath: path,
		logPath:  logPathFor(path),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func logPathFor(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".logs.jsonl"
}

func (s *JSONRepository) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *JSONRepository) ensureDatasetInitializedLocked() {
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.Job)
	}
	if s.data.Items == nil {
		s.data.Items = make(map[string][]models.JobItem)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.StreamSession)
	}
}

func (s *JSONRepository) persist() error {
	return s.persistDataset(s.data)
}

func (s *JSONRepository) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the data directory is still writable.
func (s *JSONRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", filepath.Dir(s.filePath))
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *JSONRepository) Close(context.Context) error {
	return nil
}
