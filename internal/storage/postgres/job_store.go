// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/group-scraper/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "scrape_jobs"

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	KeepCompleted   int
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// JobStore implements scrape.JobStore with one row per job; target results live in a JSONB column.
type JobStore struct {
	pool          pool
	table         string
	keepCompleted int
}

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewJobStoreWithPool(p, cfg.Table, cfg.KeepCompleted)
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string, keepCompleted int) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if keepCompleted < 0 {
		keepCompleted = scrape.DefaultKeepCompleted
	}
	return &JobStore{pool: p, table: table, keepCompleted: keepCompleted}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	total_targets INTEGER NOT NULL,
	current_index INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	target_results JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

const jobColumns = `id, status, created_at, started_at, completed_at, total_targets,
	current_index, success_count, failed_count, error_message, target_results`

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	resultsJSON, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("marshal target results: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING`, s.table, jobColumns)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.TotalTargets,
		job.CurrentIndex,
		job.SuccessCount,
		job.FailedCount,
		job.Error,
		resultsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, scrape.ErrJobExists)
	}
	return nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(ctx context.Context) ([]scrape.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id DESC`, jobColumns, s.table)
	return s.queryJobs(ctx, query)
}

// GetJob loads a single job or returns scrape.ErrJobNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrJobNotFound)
		}
		return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// UpdateJob locks the row, applies patch in Go and writes the merged record back in one transaction.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, patch scrape.JobPatch) (job scrape.Job, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, jobColumns, s.table)
	job, err = scanJob(tx.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("update job %s: %w", jobID, scrape.ErrJobNotFound)
		}
		return scrape.Job{}, fmt.Errorf("lock job %s: %w", jobID, err)
	}
	if err = patch.Apply(&job); err != nil {
		return scrape.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	resultsJSON, err := json.Marshal(job.Results)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("marshal target results: %w", err)
	}
	update := fmt.Sprintf(`UPDATE %s SET status = $1, started_at = $2, completed_at = $3,
	current_index = $4, success_count = $5, failed_count = $6, error_message = $7, target_results = $8
WHERE id = $9`, s.table)
	if _, err = tx.Exec(ctx, update,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		job.CurrentIndex,
		job.SuccessCount,
		job.FailedCount,
		job.Error,
		resultsJSON,
		jobID,
	); err != nil {
		return scrape.Job{}, fmt.Errorf("write job %s: %w", jobID, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return scrape.Job{}, fmt.Errorf("commit job %s: %w", jobID, err)
	}
	return job, nil
}

// DeleteJob removes a job row.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// GetActiveJob returns the newest running or paused job, if any.
func (s *JobStore) GetActiveJob(ctx context.Context) (scrape.Job, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status IN ($1, $2) ORDER BY created_at DESC LIMIT 1`,
		jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		string(scrape.JobStatusRunning), string(scrape.JobStatusPaused)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, false, nil
		}
		return scrape.Job{}, false, fmt.Errorf("find active job: %w", err)
	}
	return job, true, nil
}

// CleanupOldJobs deletes completed jobs beyond the retention count.
func (s *JobStore) CleanupOldJobs(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %[1]s
WHERE status = $1 AND id NOT IN (
	SELECT id FROM %[1]s WHERE status = $1 ORDER BY completed_at DESC LIMIT $2
)`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(scrape.JobStatusCompleted), s.keepCompleted)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job         scrape.Job
		status      string
		resultsJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.TotalTargets,
		&job.CurrentIndex,
		&job.SuccessCount,
		&job.FailedCount,
		&job.Error,
		&resultsJSON,
	); err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.JobStatus(status)
	if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
		return scrape.Job{}, fmt.Errorf("unmarshal target results: %w", err)
	}
	return job, nil
}
