package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/executor"
	regmem "github.com/JakeFAU/group-scraper/internal/registry/memory"
	"github.com/JakeFAU/group-scraper/internal/scrape"
	storemem "github.com/JakeFAU/group-scraper/internal/storage/memory"
)

const waitFor = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

// gatedAutomation blocks every target listed in gates until its channel is closed.
type gatedAutomation struct {
	mu      sync.Mutex
	calls   []string
	gates   map[string]chan struct{}
	started chan string
}

func newGatedAutomation(gated ...string) *gatedAutomation {
	a := &gatedAutomation{gates: map[string]chan struct{}{}, started: make(chan string, 32)}
	for _, id := range gated {
		a.gates[id] = make(chan struct{})
	}
	return a
}

func (a *gatedAutomation) Run(ctx context.Context, target scrape.Target) (scrape.ExtractionSummary, error) {
	a.mu.Lock()
	a.calls = append(a.calls, target.ID)
	gate := a.gates[target.ID]
	a.mu.Unlock()
	a.started <- target.ID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return scrape.ExtractionSummary{}, ctx.Err()
		}
	}
	return scrape.ExtractionSummary{PostsScraped: 5}, nil
}

func (a *gatedAutomation) open(id string) { close(a.gates[id]) }

func (a *gatedAutomation) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type harness struct {
	orch       *Orchestrator
	store      *storemem.JobStore
	registry   *regmem.Registry
	automation *gatedAutomation
	cancel     context.CancelFunc
}

func threeTargets() []scrape.Target {
	return []scrape.Target{
		{ID: "t1", Name: "One", URL: "https://example.com/groups/1", Enabled: true},
		{ID: "t2", Name: "Two", URL: "https://example.com/groups/2", Enabled: true},
		{ID: "t3", Name: "Three", URL: "https://example.com/groups/3", Enabled: true},
	}
}

func newHarness(t *testing.T, targets []scrape.Target, automation *gatedAutomation) *harness {
	t.Helper()
	store := storemem.NewJobStore(scrape.DefaultKeepCompleted)
	registry, err := regmem.New(targets)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	exec := executor.New(store, registry, automation, clock, nil, nil, executor.Config{}, zap.NewNop())
	return newHarnessWithRunner(t, store, registry, automation, exec)
}

func newHarnessWithRunner(
	t *testing.T,
	store *storemem.JobStore,
	registry *regmem.Registry,
	automation *gatedAutomation,
	runner Runner,
) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	orch, err := New(ctx, Deps{
		Store:    store,
		Registry: registry,
		Runner:   runner,
		IDs:      &seqIDs{},
		Clock:    &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
		defer waitCancel()
		_ = orch.Wait(waitCtx)
	})
	return &harness{orch: orch, store: store, registry: registry, automation: automation, cancel: cancel}
}

func (h *harness) waitStatus(t *testing.T, jobID string, status scrape.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == status && !h.orch.dispatcher.Running(jobID)
	}, waitFor, 5*time.Millisecond)
}

func (h *harness) awaitTarget(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-h.automation.started:
		require.Equal(t, id, got)
	case <-time.After(waitFor):
		t.Fatalf("target %s never started", id)
	}
}

func TestStartRunsAllTargetsToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)

	h.waitStatus(t, jobID, scrape.JobStatusCompleted)
	job, err := h.orch.Job(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 3, job.TotalTargets)
	require.Equal(t, 3, job.SuccessCount+job.FailedCount)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, []string{"t1", "t2", "t3"}, h.automation.Calls())
}

func TestStartReturnsBeforeTheRunFinishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	job, err := h.orch.Job(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, job.Status)
	h.automation.open("t1")
	h.waitStatus(t, jobID, scrape.JobStatusCompleted)
}

func TestStartRejectsSecondActiveJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	first, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	_, err = h.orch.Start(context.Background())
	require.ErrorIs(t, err, scrape.ErrJobActive)
	require.ErrorIs(t, err, scrape.ErrValidation)

	jobs, err := h.orch.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, first, jobs[0].ID)
	h.automation.open("t1")
}

type parkedRunner struct {
	release chan struct{}
}

func (r *parkedRunner) Run(ctx context.Context, _ string, _ *executor.StopSignal) error {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func TestStartRejectsWhileLaunchedJobIsStillPending(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore(scrape.DefaultKeepCompleted)
	registry, err := regmem.New(threeTargets())
	require.NoError(t, err)
	runner := &parkedRunner{release: make(chan struct{})}
	h := newHarnessWithRunner(t, store, registry, newGatedAutomation(), runner)

	_, err = h.orch.Start(context.Background())
	require.NoError(t, err)
	_, err = h.orch.Start(context.Background())
	require.ErrorIs(t, err, scrape.ErrJobActive)
	close(runner.release)
}

func TestStartWithoutEnabledTargets(t *testing.T) {
	t.Parallel()

	targets := []scrape.Target{{ID: "t1", URL: "https://example.com/1", Enabled: false}}
	h := newHarness(t, targets, newGatedAutomation())
	_, err := h.orch.Start(context.Background())
	require.ErrorIs(t, err, scrape.ErrNoTargets)
	require.ErrorIs(t, err, scrape.ErrValidation)

	jobs, err := h.orch.Jobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestCancelStopsAtNextBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	job, err := h.orch.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)

	h.automation.open("t1")
	h.waitStatus(t, jobID, scrape.JobStatusCancelled)
	job, err = h.orch.Job(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.TargetStatusSuccess, job.Results[0].Status)
	require.Equal(t, scrape.TargetStatusPending, job.Results[1].Status)
	require.Equal(t, []string{"t1"}, h.automation.Calls())

	_, err = h.orch.Resume(context.Background(), jobID)
	require.ErrorIs(t, err, scrape.ErrInvalidState)
}

func TestCancelRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	_, err := h.orch.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)

	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.waitStatus(t, jobID, scrape.JobStatusCompleted)

	_, err = h.orch.Cancel(context.Background(), jobID)
	require.ErrorIs(t, err, scrape.ErrInvalidState)
	_, err = h.orch.Pause(context.Background(), jobID)
	require.ErrorIs(t, err, scrape.ErrInvalidState)
	_, err = h.orch.Resume(context.Background(), jobID)
	require.ErrorIs(t, err, scrape.ErrInvalidState)
	_, err = h.orch.Resume(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestPauseThenResumeContinuesFromCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t2"))
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")
	h.awaitTarget(t, "t2")

	job, err := h.orch.Pause(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPaused, job.Status)
	require.Nil(t, job.CompletedAt)

	// Paused jobs still hold the active slot.
	_, err = h.orch.Start(context.Background())
	require.ErrorIs(t, err, scrape.ErrJobActive)

	h.automation.open("t2")
	h.waitStatus(t, jobID, scrape.JobStatusPaused)
	paused, err := h.orch.Job(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.TargetStatusSuccess, paused.Results[1].Status)

	job, err = h.orch.Resume(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, job.Status)
	h.waitStatus(t, jobID, scrape.JobStatusCompleted)
	require.Equal(t, []string{"t1", "t2", "t3"}, h.automation.Calls())
}

func TestResumeWhilePreviousRunIsFinishing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	_, err = h.orch.Pause(context.Background(), jobID)
	require.NoError(t, err)
	_, err = h.orch.Resume(context.Background(), jobID)
	require.ErrorIs(t, err, scrape.ErrInvalidState)

	h.automation.open("t1")
	h.waitStatus(t, jobID, scrape.JobStatusPaused)
	_, err = h.orch.Resume(context.Background(), jobID)
	require.NoError(t, err)
	h.waitStatus(t, jobID, scrape.JobStatusCompleted)
}

func TestResumeRejectedWhileAnotherJobIsActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	old := scrape.NewJob("old-failed", threeTargets(), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	old.Status = scrape.JobStatusFailed
	old.Error = "browser crashed"
	require.NoError(t, h.store.CreateJob(context.Background(), old))

	current, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	_, err = h.orch.Resume(context.Background(), old.ID)
	require.ErrorIs(t, err, scrape.ErrJobActive)
	require.ErrorIs(t, err, scrape.ErrValidation)

	stored, err := h.orch.Job(context.Background(), old.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, stored.Status)
	active, found, err := h.orch.ActiveJob(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, current, active.ID)

	h.automation.open("t1")
	h.waitStatus(t, current, scrape.JobStatusCompleted)
	_, err = h.orch.Resume(context.Background(), old.ID)
	require.NoError(t, err)
	h.waitStatus(t, old.ID, scrape.JobStatusCompleted)
}

func TestResumeRejectedWhileLaunchedJobIsStillPending(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore(scrape.DefaultKeepCompleted)
	registry, err := regmem.New(threeTargets())
	require.NoError(t, err)
	runner := &parkedRunner{release: make(chan struct{})}
	h := newHarnessWithRunner(t, store, registry, newGatedAutomation(), runner)

	old := scrape.NewJob("old-failed", threeTargets(), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	old.Status = scrape.JobStatusFailed
	require.NoError(t, store.CreateJob(context.Background(), old))

	_, err = h.orch.Start(context.Background())
	require.NoError(t, err)
	_, err = h.orch.Resume(context.Background(), old.ID)
	require.ErrorIs(t, err, scrape.ErrJobActive)
	close(runner.release)
}

func TestResumeFailedJobRetriesInFlightTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	job := scrape.NewJob("failed-job", threeTargets(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	job.Status = scrape.JobStatusFailed
	job.StartedAt = scrape.TimePtr(job.CreatedAt)
	job.CompletedAt = scrape.TimePtr(job.CreatedAt.Add(time.Minute))
	job.Error = "store unavailable"
	job.CurrentIndex = 1
	job.Results[0].Status = scrape.TargetStatusSuccess
	job.Results[0].PostsScraped = scrape.IntPtr(3)
	job.Results[1].StartedAt = scrape.TimePtr(job.CreatedAt)
	job.SuccessCount = 1
	require.NoError(t, h.store.CreateJob(context.Background(), job))

	resumed, err := h.orch.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	require.Nil(t, resumed.CompletedAt)
	require.Empty(t, resumed.Error)

	h.waitStatus(t, job.ID, scrape.JobStatusCompleted)
	require.Equal(t, []string{"t2", "t3"}, h.automation.Calls())
	final, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, final.SuccessCount)
}

func TestResumeInterruptedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t2"))
	id, ok, err := h.orch.ResumeInterruptedJobs(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, id)

	job := scrape.NewJob("interrupted", threeTargets(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	job.Status = scrape.JobStatusRunning
	job.StartedAt = scrape.TimePtr(job.CreatedAt)
	job.CurrentIndex = 1
	job.Results[0].Status = scrape.TargetStatusSuccess
	job.SuccessCount = 1
	require.NoError(t, h.store.CreateJob(context.Background(), job))

	id, ok, err = h.orch.ResumeInterruptedJobs(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, id)
	h.awaitTarget(t, "t2")

	// A run is already in flight, so nothing is relaunched.
	_, ok, err = h.orch.ResumeInterruptedJobs(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	h.automation.open("t2")
	h.waitStatus(t, job.ID, scrape.JobStatusCompleted)
	require.Equal(t, []string{"t2", "t3"}, h.automation.Calls())
}

func TestResumeInterruptedJobsIgnoresPaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	job := scrape.NewJob("paused", threeTargets(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	job.Status = scrape.JobStatusPaused
	require.NoError(t, h.store.CreateJob(context.Background(), job))

	_, ok, err := h.orch.ResumeInterruptedJobs(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

type panickingRunner struct{}

func (panickingRunner) Run(context.Context, string, *executor.StopSignal) error {
	panic("browser exploded")
}

func TestPanickingRunMarksJobFailed(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore(scrape.DefaultKeepCompleted)
	registry, err := regmem.New(threeTargets())
	require.NoError(t, err)
	h := newHarnessWithRunner(t, store, registry, newGatedAutomation(), panickingRunner{})

	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.waitStatus(t, jobID, scrape.JobStatusFailed)

	job, err := h.orch.Job(context.Background(), jobID)
	require.NoError(t, err)
	require.Contains(t, job.Error, "browser exploded")
	require.NotNil(t, job.CompletedAt)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	require.ErrorIs(t, h.orch.DeleteJob(context.Background(), jobID), scrape.ErrInvalidState)
	require.ErrorIs(t, h.orch.DeleteJob(context.Background(), "missing"), scrape.ErrNotFound)

	h.automation.open("t1")
	h.waitStatus(t, jobID, scrape.JobStatusCompleted)
	require.NoError(t, h.orch.DeleteJob(context.Background(), jobID))
	_, err = h.orch.Job(context.Background(), jobID)
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestStartFailsJobWhenLaunchIsRefused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	h.cancel()

	_, err := h.orch.Start(context.Background())
	require.Error(t, err)

	job, err := h.orch.Job(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "launch job job-1")
	require.NotNil(t, job.CompletedAt)
	require.NoError(t, h.orch.DeleteJob(context.Background(), job.ID))
}

func TestDeleteOrphanedPendingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	job := scrape.NewJob("orphan", threeTargets(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.NoError(t, h.store.CreateJob(context.Background(), job))

	require.NoError(t, h.orch.DeleteJob(context.Background(), job.ID))
	_, err := h.orch.Job(context.Background(), job.ID)
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestDeletePendingJobWithRunInFlight(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore(scrape.DefaultKeepCompleted)
	registry, err := regmem.New(threeTargets())
	require.NoError(t, err)
	runner := &parkedRunner{release: make(chan struct{})}
	h := newHarnessWithRunner(t, store, registry, newGatedAutomation(), runner)

	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, h.orch.DeleteJob(context.Background(), jobID), scrape.ErrInvalidState)
	close(runner.release)
}

func TestRunScheduleStartsJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.RunSchedule(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		jobs, err := h.orch.Jobs(context.Background())
		return err == nil && len(jobs) >= 2
	}, waitFor, 5*time.Millisecond)
	cancel()
	<-done

	h.orch.RunSchedule(context.Background(), 0)
}

func TestShutdownLeavesJobRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeTargets(), newGatedAutomation("t1"))
	jobID, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	h.awaitTarget(t, "t1")

	h.cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
	defer waitCancel()
	require.NoError(t, h.orch.Wait(waitCtx))

	job, err := h.orch.Job(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, job.Status)
	require.Equal(t, 0, job.CurrentIndex)
}

func TestTargetsListsEnabledInOrder(t *testing.T) {
	t.Parallel()

	targets := threeTargets()
	targets[1].Enabled = false
	h := newHarness(t, targets, newGatedAutomation())
	got, err := h.orch.Targets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].ID)
	require.Equal(t, "t3", got[1].ID)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Deps{}, nil)
	require.Error(t, err)
}
