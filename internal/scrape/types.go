// Package scrape defines the job model and ports shared by the orchestrator subsystems.
package scrape

import (
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status ends a job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts towards the single-active-job rule.
func (s JobStatus) IsActive() bool {
	return s == JobStatusRunning || s == JobStatusPaused
}

// TargetStatus is the outcome of one target within a job.
type TargetStatus string

// Target result statuses.
const (
	TargetStatusPending TargetStatus = "pending"
	TargetStatusSuccess TargetStatus = "success"
	TargetStatusFailed  TargetStatus = "failed"
	TargetStatusSkipped TargetStatus = "skipped"
)

// Done reports whether a resumed run may skip the target.
func (s TargetStatus) Done() bool {
	return s == TargetStatusSuccess || s == TargetStatusSkipped
}

// Target is an external group page to scrape.
type Target struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	URL     string `json:"url" mapstructure:"url"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// ExtractionSummary is the acknowledgment returned by the in-page extractor.
type ExtractionSummary struct {
	PostsScraped int `json:"posts_scraped"`
}

// TargetResult records the progress of one target inside a job.
type TargetResult struct {
	TargetID     string       `json:"target_id"`
	TargetName   string       `json:"target_name"`
	Status       TargetStatus `json:"status"`
	PostsScraped *int         `json:"posts_scraped,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Job is one run of "scrape all eligible targets once" with persisted progress.
type Job struct {
	ID           string         `json:"id"`
	Status       JobStatus      `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	TotalTargets int            `json:"total_targets"`
	CurrentIndex int            `json:"current_index"`
	Results      []TargetResult `json:"target_results"`
	SuccessCount int            `json:"success_count"`
	FailedCount  int            `json:"failed_count"`
	Error        string         `json:"error,omitempty"`
}

// NewJob builds a pending job with one pending result per target, in order.
func NewJob(id string, targets []Target, now time.Time) Job {
	results := make([]TargetResult, len(targets))
	for i, t := range targets {
		results[i] = TargetResult{
			TargetID:   t.ID,
			TargetName: t.Name,
			Status:     TargetStatusPending,
		}
	}
	return Job{
		ID:           id,
		Status:       JobStatusPending,
		CreatedAt:    now,
		TotalTargets: len(targets),
		Results:      results,
	}
}

// Clone returns a deep copy so callers can mutate results without aliasing the store.
func (j Job) Clone() Job {
	cp := j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	if j.Results != nil {
		cp.Results = make([]TargetResult, len(j.Results))
		for i, r := range j.Results {
			cp.Results[i] = r.clone()
		}
	}
	return cp
}

func (r TargetResult) clone() TargetResult {
	cp := r
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	if r.PostsScraped != nil {
		n := *r.PostsScraped
		cp.PostsScraped = &n
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// IntPtr returns a pointer to a copy of n.
func IntPtr(n int) *int {
	return &n
}
