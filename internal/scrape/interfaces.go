package scrape

import (
	"context"
	"time"
)

// JobStore persists job records. Implementations must be safe for concurrent use and
// apply each UpdateJob atomically with respect to other updates of the same job.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	ListJobs(ctx context.Context) ([]Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, jobID string, patch JobPatch) (Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	GetActiveJob(ctx context.Context) (Job, bool, error)
	CleanupOldJobs(ctx context.Context) (int, error)
}

// TargetRegistry supplies the targets a job covers.
type TargetRegistry interface {
	// ListEnabled returns the eligible targets in scrape order.
	ListEnabled(ctx context.Context) ([]Target, error)
	// GetTarget resolves the live definition of a target, or ErrTargetNotFound when it
	// was deleted or disabled.
	GetTarget(ctx context.Context, targetID string) (Target, error)
}

// Automation runs the browser sequence for one target.
type Automation interface {
	Run(ctx context.Context, target Target) (ExtractionSummary, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
