package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/automation"
	"github.com/JakeFAU/group-scraper/internal/progress"
	regmem "github.com/JakeFAU/group-scraper/internal/registry/memory"
	"github.com/JakeFAU/group-scraper/internal/scrape"
	storemem "github.com/JakeFAU/group-scraper/internal/storage/memory"
)

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

type fakeAutomation struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	posts   map[string]int
	block   map[string]chan struct{}
	started chan string
}

func newFakeAutomation() *fakeAutomation {
	return &fakeAutomation{
		errs:    map[string]error{},
		posts:   map[string]int{},
		block:   map[string]chan struct{}{},
		started: make(chan string, 16),
	}
}

func (a *fakeAutomation) Run(ctx context.Context, target scrape.Target) (scrape.ExtractionSummary, error) {
	a.mu.Lock()
	a.calls = append(a.calls, target.ID)
	block := a.block[target.ID]
	err := a.errs[target.ID]
	posts := a.posts[target.ID]
	a.mu.Unlock()
	a.started <- target.ID

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return scrape.ExtractionSummary{}, ctx.Err()
		}
	}
	if err != nil {
		return scrape.ExtractionSummary{}, err
	}
	return scrape.ExtractionSummary{PostsScraped: posts}, nil
}

func (a *fakeAutomation) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

// flakyStore fails UpdateJob when failOn returns true for the patch.
type flakyStore struct {
	*storemem.JobStore
	failOn   func(scrape.JobPatch) bool
	cleanups int
	mu       sync.Mutex
}

func (s *flakyStore) UpdateJob(ctx context.Context, id string, patch scrape.JobPatch) (scrape.Job, error) {
	if s.failOn != nil && s.failOn(patch) {
		return scrape.Job{}, errors.New("store unavailable")
	}
	return s.JobStore.UpdateJob(ctx, id, patch)
}

func (s *flakyStore) CleanupOldJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.cleanups++
	s.mu.Unlock()
	return s.JobStore.CleanupOldJobs(ctx)
}

type harness struct {
	store    *flakyStore
	registry *regmem.Registry
	auto     *fakeAutomation
	emitter  *recordingEmitter
	exec     *Executor
	targets  []scrape.Target
}

func newHarness(t *testing.T, n int, delay time.Duration) *harness {
	t.Helper()
	targets := make([]scrape.Target, n)
	for i := range targets {
		targets[i] = scrape.Target{
			ID:      fmt.Sprintf("g%d", i),
			Name:    fmt.Sprintf("Group %d", i),
			URL:     fmt.Sprintf("https://example.com/groups/%d", i),
			Enabled: true,
		}
	}
	reg, err := regmem.New(targets)
	require.NoError(t, err)
	h := &harness{
		store:    &flakyStore{JobStore: storemem.NewJobStore(scrape.DefaultKeepCompleted)},
		registry: reg,
		auto:     newFakeAutomation(),
		emitter:  &recordingEmitter{},
		targets:  targets,
	}
	h.exec = New(h.store, h.registry, h.auto, &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()},
		nil, h.emitter, Config{InterTargetDelay: delay}, zap.NewNop())
	return h
}

func (h *harness) createJob(t *testing.T, mutate func(*scrape.Job)) scrape.Job {
	t.Helper()
	job := scrape.NewJob("job-1", h.targets, time.Unix(1_600_000_000, 0).UTC())
	if mutate != nil {
		mutate(&job)
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T) scrape.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	return job
}

func TestRunCompletesAllTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, time.Millisecond)
	h.auto.posts["g0"] = 5
	h.auto.errs["g1"] = errors.New("navigation failed")
	h.createJob(t, nil)

	require.NoError(t, h.exec.Run(context.Background(), "job-1", NewStopSignal()))

	job := h.job(t)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	require.Len(t, job.Results, job.TotalTargets)
	require.Equal(t, 3, job.SuccessCount+job.FailedCount)
	require.Equal(t, 2, job.SuccessCount)
	require.Equal(t, 1, job.FailedCount)
	require.Equal(t, 2, job.CurrentIndex)

	require.Equal(t, scrape.TargetStatusSuccess, job.Results[0].Status)
	require.Equal(t, 5, *job.Results[0].PostsScraped)
	require.Equal(t, scrape.TargetStatusFailed, job.Results[1].Status)
	require.Equal(t, "navigation failed", job.Results[1].Error)
	require.NotNil(t, job.Results[1].CompletedAt)

	require.Equal(t, []string{"g0", "g1", "g2"}, h.auto.Calls())
	require.Equal(t, 1, h.store.cleanups)

	stages := h.emitter.Stages()
	require.Equal(t, progress.StageJobStart, stages[0])
	require.Equal(t, progress.StageJobDone, stages[len(stages)-1])
}

func TestRunResumeSkipsFinishedTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	started := time.Unix(1_600_000_100, 0).UTC()
	h.createJob(t, func(j *scrape.Job) {
		j.Status = scrape.JobStatusRunning
		j.StartedAt = &started
		j.CurrentIndex = 1
		j.Results[0].Status = scrape.TargetStatusSuccess
		j.Results[0].PostsScraped = scrape.IntPtr(9)
		j.SuccessCount = 1
	})

	require.NoError(t, h.exec.Run(context.Background(), "job-1", nil))

	job := h.job(t)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, []string{"g1", "g2"}, h.auto.Calls())
	require.Equal(t, 9, *job.Results[0].PostsScraped)
	require.Equal(t, started, *job.StartedAt)
	require.Equal(t, 3, job.SuccessCount)
	require.Equal(t, progress.StageJobResume, h.emitter.Stages()[0])
}

func TestRunResumeNeverRedoesDoneTargetsAtCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0)
	h.createJob(t, func(j *scrape.Job) {
		j.Status = scrape.JobStatusRunning
		j.CurrentIndex = 0
		j.Results[0].Status = scrape.TargetStatusSkipped
		j.Results[1].Status = scrape.TargetStatusSuccess
	})

	require.NoError(t, h.exec.Run(context.Background(), "job-1", nil))
	require.Empty(t, h.auto.Calls())
	require.Equal(t, scrape.JobStatusCompleted, h.job(t).Status)
}

func TestRunSkipsMissingTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	h.createJob(t, nil)
	h.registry.Remove("g1")

	require.NoError(t, h.exec.Run(context.Background(), "job-1", nil))

	job := h.job(t)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, scrape.TargetStatusSkipped, job.Results[1].Status)
	require.Equal(t, "target not found", job.Results[1].Error)
	require.Equal(t, []string{"g0", "g2"}, h.auto.Calls())
	require.Equal(t, 2, job.SuccessCount)
	require.Zero(t, job.FailedCount)
}

func TestRunRecordsTimeoutAsTargetFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0)
	h.auto.errs["g0"] = fmt.Errorf("%w after 30s", automation.ErrTimeout)
	h.createJob(t, nil)

	require.NoError(t, h.exec.Run(context.Background(), "job-1", nil))

	job := h.job(t)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, scrape.TargetStatusFailed, job.Results[0].Status)
	require.Regexp(t, `(?i)timeout`, job.Results[0].Error)
	require.Equal(t, scrape.TargetStatusSuccess, job.Results[1].Status)
}

func TestRunStopsAfterCancelWithoutTouchingRemainder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	release := make(chan struct{})
	h.auto.block["g0"] = release
	h.createJob(t, nil)

	stop := NewStopSignal()
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(context.Background(), "job-1", stop) }()

	require.Equal(t, "g0", <-h.auto.started)
	_, err := h.store.UpdateJob(context.Background(), "job-1", scrape.JobPatch{
		Status:      scrape.StatusPtr(scrape.JobStatusCancelled),
		CompletedAt: scrape.TimePtr(time.Unix(1_800_000_000, 0).UTC()),
	}.Expect(scrape.JobStatusRunning))
	require.NoError(t, err)
	stop.Stop()
	require.Equal(t, scrape.JobStatusCancelled, h.job(t).Status)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	job := h.job(t)
	require.Equal(t, scrape.JobStatusCancelled, job.Status)
	require.Equal(t, time.Unix(1_800_000_000, 0).UTC(), *job.CompletedAt)
	require.Equal(t, scrape.TargetStatusSuccess, job.Results[0].Status, "in-flight target finishes and is recorded")
	require.Equal(t, scrape.TargetStatusPending, job.Results[1].Status)
	require.Nil(t, job.Results[1].StartedAt)
	require.Equal(t, []string{"g0"}, h.auto.Calls())
}

func TestRunPauseThenResumeContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	release := make(chan struct{})
	h.auto.block["g1"] = release
	h.createJob(t, nil)

	stop := NewStopSignal()
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(context.Background(), "job-1", stop) }()

	require.Equal(t, "g0", <-h.auto.started)
	require.Equal(t, "g1", <-h.auto.started)
	_, err := h.store.UpdateJob(context.Background(), "job-1", scrape.JobPatch{
		Status: scrape.StatusPtr(scrape.JobStatusPaused),
	}.Expect(scrape.JobStatusRunning))
	require.NoError(t, err)
	stop.Stop()
	close(release)
	require.NoError(t, <-done)

	paused := h.job(t)
	require.Equal(t, scrape.JobStatusPaused, paused.Status)
	require.Nil(t, paused.CompletedAt)
	require.Equal(t, 1, paused.CurrentIndex)
	require.Equal(t, scrape.TargetStatusSuccess, paused.Results[1].Status)

	_, err = h.store.UpdateJob(context.Background(), "job-1", scrape.JobPatch{
		Status: scrape.StatusPtr(scrape.JobStatusRunning),
	}.Expect(scrape.JobStatusPaused))
	require.NoError(t, err)
	require.NoError(t, h.exec.Run(context.Background(), "job-1", NewStopSignal()))

	require.Equal(t, []string{"g0", "g1", "g2"}, h.auto.Calls())
	final := h.job(t)
	require.Equal(t, scrape.JobStatusCompleted, final.Status)
	require.Equal(t, 3, final.SuccessCount)
}

func TestRunStopDuringInterTargetDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, time.Hour)
	h.createJob(t, nil)

	stop := NewStopSignal()
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(context.Background(), "job-1", stop) }()

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "job-1")
		return err == nil && job.Results[0].Status == scrape.TargetStatusSuccess
	}, time.Second, 5*time.Millisecond)
	stop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("delay did not wake on stop")
	}
	require.Equal(t, []string{"g0"}, h.auto.Calls())
}

func TestRunFatalStoreErrorFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	h.store.failOn = func(p scrape.JobPatch) bool {
		return p.CurrentIndex != nil && *p.CurrentIndex == 1
	}
	h.createJob(t, nil)

	err := h.exec.Run(context.Background(), "job-1", nil)
	require.ErrorContains(t, err, "store unavailable")

	job := h.job(t)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Contains(t, job.Error, "store unavailable")
	require.Equal(t, 0, job.CurrentIndex)
	require.Equal(t, scrape.TargetStatusSuccess, job.Results[0].Status)
	require.Equal(t, []string{"g0"}, h.auto.Calls())
}

func TestRunShutdownLeavesJobRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0)
	h.auto.block["g0"] = make(chan struct{})
	h.createJob(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(ctx, "job-1", nil) }()
	<-h.auto.started
	cancel()
	require.NoError(t, <-done)

	job := h.job(t)
	require.Equal(t, scrape.JobStatusRunning, job.Status)
	require.Nil(t, job.CompletedAt)
	require.Equal(t, scrape.TargetStatusPending, job.Results[0].Status)
	require.NotNil(t, job.Results[0].StartedAt, "breadcrumb of the in-flight target survives")
	require.Zero(t, job.FailedCount)
}

func TestRunIgnoresJobsThatAreNotRunnable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	h.createJob(t, func(j *scrape.Job) {
		j.Status = scrape.JobStatusCancelled
		j.CompletedAt = scrape.TimePtr(time.Unix(1, 0))
	})

	require.NoError(t, h.exec.Run(context.Background(), "job-1", nil))
	require.Empty(t, h.auto.Calls())
	require.Equal(t, scrape.JobStatusCancelled, h.job(t).Status)

	require.ErrorIs(t, h.exec.Run(context.Background(), "missing", nil), scrape.ErrJobNotFound)
}

func TestStopSignal(t *testing.T) {
	t.Parallel()

	s := NewStopSignal()
	require.False(t, s.Stopped())
	s.Stop()
	s.Stop()
	require.True(t, s.Stopped())
	<-s.Done()
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, 2, 0)
	h.exec = New(h.store, h.registry, h.auto, &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()},
		nil, h.emitter, Config{Tracer: tp.Tracer("test")}, zap.NewNop())
	h.auto.errs["g1"] = errors.New("navigation failed")
	h.createJob(t, nil)

	require.NoError(t, h.exec.Run(context.Background(), "job-1", NewStopSignal()))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	require.Equal(t, "target.automation", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, "job.run", spans[2].Name())
	require.Equal(t, spans[2].SpanContext().TraceID(), spans[0].SpanContext().TraceID())
}
