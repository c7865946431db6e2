// Package orchestrator is the synchronous control surface for scrape jobs. It enforces the
// single-active-job rule, launches executor runs in the background and routes cancel and
// pause requests to the run in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/dispatcher"
	"github.com/JakeFAU/group-scraper/internal/executor"
	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// Runner executes one job until it ends or stop is raised.
type Runner interface {
	Run(ctx context.Context, jobID string, stop *executor.StopSignal) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store    scrape.JobStore
	Registry scrape.TargetRegistry
	Runner   Runner
	IDs      scrape.IDGenerator
	Clock    scrape.Clock
}

// Orchestrator serializes Start, Resume, Cancel and Pause within the process.
type Orchestrator struct {
	store      scrape.JobStore
	registry   scrape.TargetRegistry
	runner     Runner
	ids        scrape.IDGenerator
	clock      scrape.Clock
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	mu    sync.Mutex
	stops map[string]*executor.StopSignal
}

// New builds an Orchestrator. Background runs inherit ctx; cancelling it is the
// shutdown signal, after which Wait reports when the runs have returned.
func New(ctx context.Context, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: job store is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: target registry is required")
	case deps.Runner == nil:
		return nil, errors.New("orchestrator: runner is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:    deps.Store,
		registry: deps.Registry,
		runner:   deps.Runner,
		ids:      deps.IDs,
		clock:    deps.Clock,
		logger:   logger.Named("orchestrator"),
		stops:    make(map[string]*executor.StopSignal),
	}
	o.dispatcher = dispatcher.New(ctx, o.recordRunError, logger)
	return o, nil
}

// Start creates a job over every enabled target and launches it. It returns as soon
// as the job is persisted.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	active, found, err := o.store.GetActiveJob(ctx)
	if err != nil {
		return "", fmt.Errorf("check active job: %w", err)
	}
	if found {
		return "", fmt.Errorf("%w: %s is %s", scrape.ErrJobActive, active.ID, active.Status)
	}
	if id, ok := o.liveRun(); ok {
		return "", fmt.Errorf("%w: %s has not started yet", scrape.ErrJobActive, id)
	}

	targets, err := o.registry.ListEnabled(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	if len(targets) == 0 {
		return "", scrape.ErrNoTargets
	}

	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := scrape.NewJob(id, targets, o.clock.Now())
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	o.logger.Info("job created", zap.String("job_id", id), zap.Int("total_targets", job.TotalTargets))

	if err := o.launch(id); err != nil {
		o.abandon(ctx, id, err)
		return "", err
	}
	return id, nil
}

// Resume returns a paused or failed job to running and continues it from its cursor.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (scrape.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("resume %s: %w", jobID, err)
	}
	if job.Status != scrape.JobStatusPaused && job.Status != scrape.JobStatusFailed {
		return scrape.Job{}, fmt.Errorf("%w: cannot resume job %s in status %s", scrape.ErrInvalidState, jobID, job.Status)
	}
	if o.dispatcher.Running(jobID) {
		return scrape.Job{}, fmt.Errorf("%w: previous run of job %s is still finishing", scrape.ErrInvalidState, jobID)
	}
	active, found, err := o.store.GetActiveJob(ctx)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("check active job: %w", err)
	}
	if found && active.ID != jobID {
		return scrape.Job{}, fmt.Errorf("%w: %s is %s", scrape.ErrJobActive, active.ID, active.Status)
	}
	if id, ok := o.liveRun(); ok && id != jobID {
		return scrape.Job{}, fmt.Errorf("%w: %s has not started yet", scrape.ErrJobActive, id)
	}

	job, err = o.store.UpdateJob(ctx, jobID, scrape.JobPatch{
		Status:           scrape.StatusPtr(scrape.JobStatusRunning),
		ClearCompletedAt: true,
		Error:            scrape.StringPtr(""),
	}.Expect(scrape.JobStatusPaused, scrape.JobStatusFailed))
	if err != nil {
		return scrape.Job{}, fmt.Errorf("resume %s: %w", jobID, err)
	}
	o.logger.Info("job resumed", zap.String("job_id", jobID), zap.Int("current_index", job.CurrentIndex))

	if err := o.launch(jobID); err != nil {
		return scrape.Job{}, err
	}
	return job, nil
}

// Cancel ends a running job for good. The run in flight stops at its next boundary.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (scrape.Job, error) {
	return o.halt(ctx, jobID, scrape.JobPatch{
		Status:      scrape.StatusPtr(scrape.JobStatusCancelled),
		CompletedAt: scrape.TimePtr(o.clock.Now()),
	})
}

// Pause stops a running job so Resume can continue it later.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) (scrape.Job, error) {
	return o.halt(ctx, jobID, scrape.JobPatch{Status: scrape.StatusPtr(scrape.JobStatusPaused)})
}

func (o *Orchestrator) halt(ctx context.Context, jobID string, patch scrape.JobPatch) (scrape.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("%s %s: %w", *patch.Status, jobID, err)
	}
	if job.Status != scrape.JobStatusRunning {
		return scrape.Job{}, fmt.Errorf("%w: job %s is %s, not running", scrape.ErrInvalidState, jobID, job.Status)
	}
	job, err = o.store.UpdateJob(ctx, jobID, patch.Expect(scrape.JobStatusRunning))
	if err != nil {
		return scrape.Job{}, fmt.Errorf("%s %s: %w", *patch.Status, jobID, err)
	}
	if stop, ok := o.stops[jobID]; ok {
		stop.Stop()
	}
	o.logger.Info("job halted", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
	return job, nil
}

// ResumeInterruptedJobs relaunches a job left running by a previous process. It reports
// the relaunched job ID, if any.
func (o *Orchestrator) ResumeInterruptedJobs(ctx context.Context) (string, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, found, err := o.store.GetActiveJob(ctx)
	if err != nil {
		return "", false, fmt.Errorf("check active job: %w", err)
	}
	if !found || job.Status != scrape.JobStatusRunning || o.dispatcher.Running(job.ID) {
		return "", false, nil
	}
	o.logger.Info("resuming interrupted job",
		zap.String("job_id", job.ID),
		zap.Int("current_index", job.CurrentIndex),
		zap.Int("total_targets", job.TotalTargets))
	if err := o.launch(job.ID); err != nil {
		return "", false, err
	}
	return job.ID, true, nil
}

// RunSchedule starts a job every interval until ctx ends. Ticks that find a job already
// active are skipped. A non-positive interval disables the schedule.
func (o *Orchestrator) RunSchedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	o.logger.Info("schedule enabled", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id, err := o.Start(ctx)
			switch {
			case err == nil:
				o.logger.Info("scheduled job started", zap.String("job_id", id))
			case errors.Is(err, scrape.ErrJobActive):
				o.logger.Debug("scheduled start skipped", zap.Error(err))
			case errors.Is(err, scrape.ErrValidation):
				o.logger.Info("scheduled start skipped", zap.Error(err))
			case ctx.Err() != nil:
				return
			default:
				o.logger.Warn("scheduled start failed", zap.Error(err))
			}
		}
	}
}

// Wait blocks until every background run has returned or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return o.dispatcher.Wait(ctx)
}

// Job returns one job record.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (scrape.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// Jobs lists job records, newest first.
func (o *Orchestrator) Jobs(ctx context.Context) ([]scrape.Job, error) {
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	scrape.SortNewestFirst(jobs)
	return jobs, nil
}

// ActiveJob returns the running or paused job, if any.
func (o *Orchestrator) ActiveJob(ctx context.Context) (scrape.Job, bool, error) {
	return o.store.GetActiveJob(ctx)
}

// Targets lists the targets a new job would cover, in scrape order.
func (o *Orchestrator) Targets(ctx context.Context) ([]scrape.Target, error) {
	return o.registry.ListEnabled(ctx)
}

// DeleteJob removes a job record that is neither active nor still being run. A pending
// job with no run behind it was orphaned and may be removed.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", jobID, err)
	}
	if job.Status.IsActive() || o.dispatcher.Running(jobID) {
		return fmt.Errorf("%w: job %s is %s", scrape.ErrInvalidState, jobID, job.Status)
	}
	return o.store.DeleteJob(ctx, jobID)
}

// CleanupOldJobs prunes completed jobs beyond the store's retention.
func (o *Orchestrator) CleanupOldJobs(ctx context.Context) (int, error) {
	return o.store.CleanupOldJobs(ctx)
}

// launch registers a fresh stop signal and hands the run to the dispatcher. Callers hold mu.
func (o *Orchestrator) launch(jobID string) error {
	stop := executor.NewStopSignal()
	o.stops[jobID] = stop
	err := o.dispatcher.Launch(jobID, func(ctx context.Context) error {
		defer o.forget(jobID, stop)
		return o.runner.Run(ctx, jobID, stop)
	})
	if err != nil {
		delete(o.stops, jobID)
		return fmt.Errorf("launch job %s: %w", jobID, err)
	}
	return nil
}

// abandon fails a freshly created job whose run could not be launched, so it does not
// linger as pending.
func (o *Orchestrator) abandon(ctx context.Context, jobID string, launchErr error) {
	_, err := o.store.UpdateJob(context.WithoutCancel(ctx), jobID, scrape.JobPatch{
		Status:      scrape.StatusPtr(scrape.JobStatusFailed),
		CompletedAt: scrape.TimePtr(o.clock.Now()),
		Error:       scrape.StringPtr(launchErr.Error()),
	}.Expect(scrape.JobStatusPending))
	if err != nil {
		o.logger.Error("could not fail unlaunched job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.logger.Warn("job failed before launch", zap.String("job_id", jobID), zap.Error(launchErr))
}

func (o *Orchestrator) forget(jobID string, stop *executor.StopSignal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stops[jobID] == stop {
		delete(o.stops, jobID)
	}
}

// liveRun reports a launched run that nobody has asked to stop. Callers hold mu.
func (o *Orchestrator) liveRun() (string, bool) {
	for id, stop := range o.stops {
		if !stop.Stopped() {
			return id, true
		}
	}
	return "", false
}

// recordRunError is the dispatcher's error sink. The executor already records its own
// failures, so a status conflict here is expected and only logged.
func (o *Orchestrator) recordRunError(jobID string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := o.store.UpdateJob(ctx, jobID, scrape.JobPatch{
		Status:      scrape.StatusPtr(scrape.JobStatusFailed),
		CompletedAt: scrape.TimePtr(o.clock.Now()),
		Error:       scrape.StringPtr(runErr.Error()),
	}.Expect(scrape.JobStatusRunning, scrape.JobStatusPending))
	switch {
	case err == nil:
		o.logger.Warn("job marked failed after background error", zap.String("job_id", jobID), zap.Error(runErr))
	case errors.Is(err, scrape.ErrStatusConflict):
		o.logger.Debug("background error already recorded", zap.String("job_id", jobID))
	default:
		o.logger.Error("could not record background error", zap.String("job_id", jobID), zap.Error(err))
	}
}
