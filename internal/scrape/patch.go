package scrape

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// JobPatch is a partial update merged onto a stored job. Nil fields are left untouched;
// Results replaces the stored slice wholesale when non-nil.
type JobPatch struct {
	Status           *JobStatus
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ClearCompletedAt bool
	CurrentIndex     *int
	Results          []TargetResult
	SuccessCount     *int
	FailedCount      *int
	Error            *string

	// ExpectStatus, when non-empty, makes the update conditional on the stored status
	// being one of the listed values.
	ExpectStatus []JobStatus
}

// Expect returns a copy of the patch conditioned on the given statuses.
func (p JobPatch) Expect(statuses ...JobStatus) JobPatch {
	p.ExpectStatus = statuses
	return p
}

// Apply merges the patch onto job in place after checking the precondition.
func (p JobPatch) Apply(job *Job) error {
	if len(p.ExpectStatus) > 0 && !slices.Contains(p.ExpectStatus, job.Status) {
		return fmt.Errorf("%w: job %s is %s, expected %v", ErrStatusConflict, job.ID, job.Status, p.ExpectStatus)
	}
	if p.Results != nil && len(p.Results) != job.TotalTargets {
		return fmt.Errorf("job %s: results length %d does not match total targets %d",
			job.ID, len(p.Results), job.TotalTargets)
	}
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.StartedAt != nil {
		job.StartedAt = cloneTime(p.StartedAt)
	}
	if p.ClearCompletedAt {
		job.CompletedAt = nil
	}
	if p.CompletedAt != nil {
		job.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.CurrentIndex != nil {
		job.CurrentIndex = *p.CurrentIndex
	}
	if p.Results != nil {
		results := make([]TargetResult, len(p.Results))
		for i, r := range p.Results {
			results[i] = r.clone()
		}
		job.Results = results
	}
	if p.SuccessCount != nil {
		job.SuccessCount = *p.SuccessCount
	}
	if p.FailedCount != nil {
		job.FailedCount = *p.FailedCount
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	return nil
}

// StatusPtr returns a pointer to a copy of s.
func StatusPtr(s JobStatus) *JobStatus {
	return &s
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}

// DefaultKeepCompleted is the number of completed jobs CleanupOldJobs retains.
const DefaultKeepCompleted = 3

// PruneCandidates returns the IDs of completed jobs beyond the keep most recent ones,
// ordered by CompletedAt descending. Jobs in any other status are never returned.
func PruneCandidates(jobs []Job, keep int) []string {
	if keep < 0 {
		keep = 0
	}
	completed := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == JobStatusCompleted {
			completed = append(completed, j)
		}
	}
	if len(completed) <= keep {
		return nil
	}
	sort.SliceStable(completed, func(a, b int) bool {
		return completedAt(completed[a]).After(completedAt(completed[b]))
	})
	ids := make([]string, 0, len(completed)-keep)
	for _, j := range completed[keep:] {
		ids = append(ids, j.ID)
	}
	return ids
}

// SortNewestFirst orders jobs by CreatedAt descending, breaking ties by ID.
func SortNewestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}

func completedAt(j Job) time.Time {
	if j.CompletedAt == nil {
		return time.Time{}
	}
	return *j.CompletedAt
}
