// Package badger persists jobs in an embedded Badger database via badgerhold, so job
// progress survives process restarts without an external database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// Config controls where the database lives.
type Config struct {
	Path          string
	KeepCompleted int
}

// JobStore implements scrape.JobStore on top of badgerhold.
type JobStore struct {
	store         *badgerhold.Store
	keepCompleted int
	logger        *zap.Logger
}

// Open creates the directory if needed and opens the database.
func Open(cfg Config, logger *zap.Logger) (*JobStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	logger.Debug("badger job store opened", zap.String("path", cfg.Path))
	return newJobStore(store, cfg.KeepCompleted, logger), nil
}

func newJobStore(store *badgerhold.Store, keep int, logger *zap.Logger) *JobStore {
	if keep < 0 {
		keep = scrape.DefaultKeepCompleted
	}
	return &JobStore{store: store, keepCompleted: keep, logger: logger}
}

// Close releases the database.
func (s *JobStore) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

// CreateJob inserts a new job; duplicate IDs are rejected.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if err := s.store.Insert(job.ID, job); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("create job %s: %w", job.ID, scrape.ErrJobExists)
		}
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(_ context.Context) ([]scrape.Job, error) {
	var jobs []scrape.Job
	if err := s.store.Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	scrape.SortNewestFirst(jobs)
	return jobs, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	var job scrape.Job
	if err := s.store.Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrJobNotFound)
		}
		return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// UpdateJob applies patch inside a read-write transaction. Badger aborts the commit with
// ErrConflict when another transaction touched the key, so concurrent writers are retried.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, patch scrape.JobPatch) (scrape.Job, error) {
	const maxAttempts = 5
	var (
		updated scrape.Job
		err     error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.store.Badger().Update(func(tx *badger.Txn) error {
			var job scrape.Job
			if getErr := s.store.TxGet(tx, jobID, &job); getErr != nil {
				if errors.Is(getErr, badgerhold.ErrNotFound) {
					return scrape.ErrJobNotFound
				}
				return getErr
			}
			if applyErr := patch.Apply(&job); applyErr != nil {
				return applyErr
			}
			if putErr := s.store.TxUpdate(tx, jobID, job); putErr != nil {
				return putErr
			}
			updated = job
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug("badger update conflict; retrying", zap.String("job_id", jobID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	return updated, nil
}

// DeleteJob removes a job. Deleting an unknown job is not an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	if err := s.store.Delete(jobID, scrape.Job{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// GetActiveJob returns the running or paused job, if any.
func (s *JobStore) GetActiveJob(_ context.Context) (scrape.Job, bool, error) {
	var jobs []scrape.Job
	query := badgerhold.Where("Status").In(scrape.JobStatusRunning, scrape.JobStatusPaused)
	if err := s.store.Find(&jobs, query); err != nil {
		return scrape.Job{}, false, fmt.Errorf("find active job: %w", err)
	}
	if len(jobs) == 0 {
		return scrape.Job{}, false, nil
	}
	if len(jobs) > 1 {
		s.logger.Warn("more than one active job found", zap.Int("count", len(jobs)))
	}
	scrape.SortNewestFirst(jobs)
	return jobs[0], true, nil
}

// CleanupOldJobs deletes completed jobs beyond the retention count.
func (s *JobStore) CleanupOldJobs(_ context.Context) (int, error) {
	var completed []scrape.Job
	if err := s.store.Find(&completed, badgerhold.Where("Status").Eq(scrape.JobStatusCompleted)); err != nil {
		return 0, fmt.Errorf("find completed jobs: %w", err)
	}
	ids := scrape.PruneCandidates(completed, s.keepCompleted)
	for _, id := range ids {
		if err := s.store.Delete(id, scrape.Job{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return 0, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return len(ids), nil
}
