package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"media-orchestrator/internal/models"
)

// Snapshot is a flattened copy of a JSON datastore, ready to be replayed into
// Postgres.
type Snapshot struct {
	Jobs     []models.Job
	Items    []models.JobItem
	Sessions []models.StreamSession
	Logs     []models.LogEntry
}

// SnapshotCounts summarises a Snapshot so an import can be verified.
type SnapshotCounts struct {
	Jobs     int
	Items    int
	Sessions int
	Logs     int
}

// LoadSnapshotFromJSON reads the datastore file at path along with its
// sibling log file, if any.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	data := newDataset()
	if err := json.NewDecoder(file).Decode(&data); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}

	snapshot := &Snapshot{}
	for _, job := range data.Jobs {
		snapshot.Jobs = append(snapshot.Jobs, cloneJob(job))
	}
	sort.Slice(snapshot.Jobs, func(i, j int) bool {
		return snapshot.Jobs[i].CreatedAt.Before(snapshot.Jobs[j].CreatedAt)
	})
	for _, job := range snapshot.Jobs {
		for _, item := range data.Items[job.ID] {
			snapshot.Items = append(snapshot.Items, cloneItem(item))
		}
	}
	for _, session := range data.Sessions {
		snapshot.Sessions = append(snapshot.Sessions, cloneSession(session))
	}

	logs, err := readLogFile(logPathFor(path), "", 0)
	if err != nil {
		return nil, err
	}
	snapshot.Logs = logs
	return snapshot, nil
}

// Counts reports how many rows each table should hold after an import.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{
		Jobs:     len(s.Jobs),
		Items:    len(s.Items),
		Sessions: len(s.Sessions),
		Logs:     len(s.Logs),
	}
}

// ImportSnapshotToPostgres loads snapshot into repo inside one transaction.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	return pgRepo.importSnapshot(ctx, snapshot)
}
