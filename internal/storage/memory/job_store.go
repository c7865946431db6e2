// Package memory provides an in-memory job store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// JobStore keeps jobs in a map guarded by a mutex. Records do not survive a restart.
type JobStore struct {
	mu            sync.RWMutex
	jobs          map[string]scrape.Job
	keepCompleted int
}

// NewJobStore constructs a JobStore that retains keepCompleted completed jobs on cleanup.
func NewJobStore(keepCompleted int) *JobStore {
	if keepCompleted < 0 {
		keepCompleted = scrape.DefaultKeepCompleted
	}
	return &JobStore{
		jobs:          make(map[string]scrape.Job),
		keepCompleted: keepCompleted,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, scrape.ErrJobExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(_ context.Context) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	scrape.SortNewestFirst(out)
	return out, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// UpdateJob merges patch onto the stored job under the write lock.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, patch scrape.JobPatch) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("update job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	job = job.Clone()
	if err := patch.Apply(&job); err != nil {
		return scrape.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	s.jobs[jobID] = job
	return job.Clone(), nil
}

// DeleteJob removes a job. Deleting an unknown job is not an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// GetActiveJob returns the running or paused job, if any.
func (s *JobStore) GetActiveJob(_ context.Context) (scrape.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		active scrape.Job
		found  bool
	)
	for _, job := range s.jobs {
		if !job.Status.IsActive() {
			continue
		}
		if !found || job.CreatedAt.After(active.CreatedAt) {
			active = job
			found = true
		}
	}
	if !found {
		return scrape.Job{}, false, nil
	}
	return active.Clone(), true, nil
}

// CleanupOldJobs deletes completed jobs beyond the retention count.
func (s *JobStore) CleanupOldJobs(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	ids := scrape.PruneCandidates(all, s.keepCompleted)
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return len(ids), nil
}
