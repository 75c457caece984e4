package storage

import (
	"fmt"
	"sort"
	"strings"

	"media-orchestrator/internal/models"
)

func (s *JSONRepository) CreateJob(job models.Job) (models.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return models.Job{}, fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Jobs[job.ID]; exists {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock()
	}
	job, err := withCounts(job, job.SucceededCount, job.FailedCount)
	if err != nil {
		return models.Job{}, err
	}

	s.data.Jobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.data.Jobs, job.ID)
		return models.Job{}, err
	}
	return cloneJob(job), nil
}

func (s *JSONRepository) UpdateJob(id string, update JobUpdate) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	updated, err := applyJobUpdate(cloneJob(current), update)
	if err != nil {
		return models.Job{}, err
	}
	return s.replaceJobLocked(current, updated)
}

func (s *JSONRepository) IncrementJobCounts(id string, succeeded, failed int) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	updated, err := withCounts(cloneJob(current), current.SucceededCount+succeeded, current.FailedCount+failed)
	if err != nil {
		return models.Job{}, err
	}
	return s.replaceJobLocked(current, updated)
}

func (s *JSONRepository) replaceJobLocked(previous, updated models.Job) (models.Job, error) {
	s.data.Jobs[updated.ID] = updated
	if err := s.persist(); err != nil {
		s.data.Jobs[previous.ID] = previous
		return models.Job{}, err
	}
	return cloneJob(updated), nil
}

func (s *JSONRepository) GetJob(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return cloneJob(job), true
}

// ListJobs returns every job, most recently created first.
func (s *JSONRepository) ListJobs() ([]models.Job, error) {
	s.mu.RLock()
	jobs := make([]models.Job, 0, len(s.data.Jobs))
	for _, job := range s.data.Jobs {
		jobs = append(jobs, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *JSONRepository) CreateItem(item models.JobItem) (models.JobItem, error) {
	if strings.TrimSpace(item.Key) == "" {
		return models.JobItem{}, fmt.Errorf("item key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Jobs[item.JobID]; !ok {
		return models.JobItem{}, fmt.Errorf("job %s: %w", item.JobID, ErrNotFound)
	}
	items := s.data.Items[item.JobID]
	for _, existing := range items {
		if existing.Key == item.Key {
			return models.JobItem{}, fmt.Errorf("item %s/%s: %w", item.JobID, item.Key, ErrAlreadyExists)
		}
	}
	if item.Status == "" {
		item.Status = models.ItemStatusPending
	}
	item = cloneItem(item)

	previous := items
	next := append(append([]models.JobItem(nil), items...), item)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Position < next[j].Position })
	s.data.Items[item.JobID] = next
	if err := s.persist(); err != nil {
		s.data.Items[item.JobID] = previous
		return models.JobItem{}, err
	}
	return cloneItem(item), nil
}

func (s *JSONRepository) UpdateItem(jobID, key string, update ItemUpdate) (models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.data.Items[jobID]
	for idx, current := range items {
		if current.Key != key {
			continue
		}
		updated := applyItemUpdate(cloneItem(current), update)
		items[idx] = updated
		if err := s.persist(); err != nil {
			items[idx] = current
			return models.JobItem{}, err
		}
		return cloneItem(updated), nil
	}
	return models.JobItem{}, fmt.Errorf("item %s/%s: %w", jobID, key, ErrNotFound)
}

// ListItems returns the job's items in submission order.
func (s *JSONRepository) ListItems(jobID string) ([]models.JobItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	items := s.data.Items[jobID]
	out := make([]models.JobItem, 0, len(items))
	for _, item := range items {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

func (s *JSONRepository) CreateSession(session models.StreamSession) (models.StreamSession, error) {
	if strings.TrimSpace(session.ID) == "" {
		return models.StreamSession{}, fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Sessions[session.ID]; exists {
		return models.StreamSession{}, fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock()
	}
	stored := cloneSession(session)
	s.data.Sessions[session.ID] = stored
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, session.ID)
		return models.StreamSession{}, err
	}
	return cloneSession(stored), nil
}

func (s *JSONRepository) UpdateSession(id string, update SessionUpdate) (models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Sessions[id]
	if !ok {
		return models.StreamSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	updated := applySessionUpdate(cloneSession(current), update)
	s.data.Sessions[id] = updated
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = current
		return models.StreamSession{}, err
	}
	return cloneSession(updated), nil
}

// ListSessions returns sessions ordered by start time, then batch index.
func (s *JSONRepository) ListSessions() ([]models.StreamSession, error) {
	s.mu.RLock()
	sessions := make([]models.StreamSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, cloneSession(session))
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].BatchIndex < sessions[j].BatchIndex
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}
