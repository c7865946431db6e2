// Package executor drives one job through its target list, persisting progress after
// every step so an interrupted run can resume where it left off.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/metrics"
	"github.com/JakeFAU/group-scraper/internal/progress"
	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// DefaultInterTargetDelay is the pause between two targets of the same run.
const DefaultInterTargetDelay = 3 * time.Second

// errStopped ends a run without touching the job status.
var errStopped = errors.New("run stopped")

// Limiter paces visits to the same host.
type Limiter interface {
	Wait(ctx context.Context, targetURL string) error
}

const tracerName = "github.com/JakeFAU/group-scraper/internal/executor"

// Config controls Executor behavior.
type Config struct {
	InterTargetDelay time.Duration
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Executor runs jobs one target at a time.
type Executor struct {
	store      scrape.JobStore
	registry   scrape.TargetRegistry
	automation scrape.Automation
	clock      scrape.Clock
	limiter    Limiter
	emitter    progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Executor. limiter and emitter may be nil.
func New(
	store scrape.JobStore,
	registry scrape.TargetRegistry,
	automation scrape.Automation,
	clock scrape.Clock,
	limiter Limiter,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if cfg.InterTargetDelay < 0 {
		cfg.InterTargetDelay = 0
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Executor{
		store:      store,
		registry:   registry,
		automation: automation,
		clock:      clock,
		limiter:    limiter,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger.Named("executor"),
	}
}

// Run executes jobID from its saved CurrentIndex until it completes, fails, is stopped
// through stop, or ctx ends. Per-target failures are recorded and never end the run.
// Any other error marks the job failed and is returned for logging. When ctx ends the
// job is left running so the next process resumes it.
func (e *Executor) Run(ctx context.Context, jobID string, stop *StopSignal) (err error) {
	if stop == nil {
		stop = NewStopSignal()
	}
	ctx, span := e.cfg.Tracer.Start(ctx, "job.run", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := e.logger.With(zap.String("job_id", jobID))
	started := time.Now()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	stage := progress.StageJobResume
	switch job.Status {
	case scrape.JobStatusPending:
		job, err = e.store.UpdateJob(ctx, jobID, scrape.JobPatch{
			Status:    scrape.StatusPtr(scrape.JobStatusRunning),
			StartedAt: scrape.TimePtr(e.clock.Now()),
		}.Expect(scrape.JobStatusPending))
		if errors.Is(err, scrape.ErrStatusConflict) {
			logger.Info("job left pending before the run started")
			return nil
		}
		if err != nil {
			return e.fail(ctx, logger, jobID, started, fmt.Errorf("mark job running: %w", err))
		}
		stage = progress.StageJobStart
	case scrape.JobStatusRunning:
	default:
		logger.Info("job is not runnable", zap.String("status", string(job.Status)))
		return nil
	}

	e.emit(progress.Event{JobID: jobID, Stage: stage, Index: job.CurrentIndex})
	logger.Info("job run started",
		zap.Int("current_index", job.CurrentIndex),
		zap.Int("total_targets", job.TotalTargets))

	err = e.loop(ctx, logger, job, stop)
	switch {
	case errors.Is(err, errStopped):
		logger.Info("job run stopped")
		e.emitDone(jobID, progress.ResultStopped, started, "")
		return nil
	case err != nil && ctx.Err() != nil:
		logger.Info("job run interrupted by shutdown; job stays running", zap.Error(err))
		e.emitDone(jobID, progress.ResultStopped, started, "shutdown")
		return nil
	case err != nil:
		return e.fail(ctx, logger, jobID, started, err)
	}

	_, err = e.store.UpdateJob(ctx, jobID, scrape.JobPatch{
		Status:      scrape.StatusPtr(scrape.JobStatusCompleted),
		CompletedAt: scrape.TimePtr(e.clock.Now()),
	}.Expect(scrape.JobStatusRunning))
	if errors.Is(err, scrape.ErrStatusConflict) {
		logger.Info("job changed status after its last target; not completing")
		e.emitDone(jobID, progress.ResultStopped, started, "")
		return nil
	}
	if err != nil {
		return e.fail(ctx, logger, jobID, started, fmt.Errorf("mark job completed: %w", err))
	}
	e.emitDone(jobID, progress.ResultCompleted, started, "")
	logger.Info("job completed", zap.Duration("elapsed", time.Since(started)))

	if deleted, err := e.store.CleanupOldJobs(ctx); err != nil {
		logger.Warn("cleanup of old jobs failed", zap.Error(err))
	} else if deleted > 0 {
		logger.Debug("cleaned up old jobs", zap.Int("deleted", deleted))
	}
	return nil
}

func (e *Executor) loop(ctx context.Context, logger *zap.Logger, job scrape.Job, stop *StopSignal) error {
	results := job.Clone().Results
	for i := job.CurrentIndex; i < job.TotalTargets; i++ {
		if stop.Stopped() {
			return errStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if results[i].Status.Done() {
			continue
		}
		targetID := results[i].TargetID
		tlog := logger.With(zap.String("target_id", targetID), zap.Int("index", i))

		results[i] = scrape.TargetResult{
			TargetID:   targetID,
			TargetName: results[i].TargetName,
			Status:     scrape.TargetStatusPending,
			StartedAt:  scrape.TimePtr(e.clock.Now()),
		}
		if _, err := e.persist(ctx, job.ID, results, scrape.IntPtr(i), scrape.JobStatusRunning); err != nil {
			return err
		}

		target, err := e.registry.GetTarget(ctx, targetID)
		if errors.Is(err, scrape.ErrNotFound) {
			results[i].Status = scrape.TargetStatusSkipped
			results[i].Error = "target not found"
			results[i].CompletedAt = scrape.TimePtr(e.clock.Now())
			if _, err := e.persist(ctx, job.ID, results, nil, scrape.JobStatusRunning); err != nil {
				return err
			}
			tlog.Info("target skipped; no longer in registry")
			e.emit(progress.Event{JobID: job.ID, Stage: progress.StageTargetDone, TargetID: targetID,
				Index: i, Result: progress.ResultSkipped})
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve target %s: %w", targetID, err)
		}

		site := metrics.SanitizeSite(target.URL)
		e.emit(progress.Event{JobID: job.ID, Stage: progress.StageTargetStart, TargetID: targetID, Index: i, Site: site})
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, target.URL); err != nil {
				return err
			}
		}

		began := time.Now()
		actx, span := e.cfg.Tracer.Start(ctx, "target.automation", trace.WithAttributes(
			attribute.String("target.id", targetID),
			attribute.Int("target.index", i),
			attribute.String("target.site", site),
		))
		summary, runErr := e.automation.Run(actx, target)
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		} else {
			span.SetAttributes(attribute.Int("target.posts", summary.PostsScraped))
		}
		span.End()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		elapsed := time.Since(began)
		results[i].CompletedAt = scrape.TimePtr(e.clock.Now())
		evt := progress.Event{JobID: job.ID, Stage: progress.StageTargetDone, TargetID: targetID,
			Index: i, Site: site, Dur: elapsed}
		if runErr != nil {
			results[i].Status = scrape.TargetStatusFailed
			results[i].Error = runErr.Error()
			evt.Result, evt.Note = progress.ResultFailed, runErr.Error()
			tlog.Warn("target failed", zap.Error(runErr), zap.Duration("elapsed", elapsed))
		} else {
			results[i].Status = scrape.TargetStatusSuccess
			results[i].PostsScraped = scrape.IntPtr(summary.PostsScraped)
			evt.Result, evt.Posts = progress.ResultSuccess, summary.PostsScraped
			tlog.Info("target scraped", zap.Int("posts", summary.PostsScraped), zap.Duration("elapsed", elapsed))
		}

		// The outcome is recorded even if the job was cancelled or paused meanwhile,
		// so a resumed pause does not redo a finished target.
		current, err := e.persist(ctx, job.ID, results, nil,
			scrape.JobStatusRunning, scrape.JobStatusPaused, scrape.JobStatusCancelled)
		if err != nil {
			return err
		}
		e.emit(evt)
		if current.Status != scrape.JobStatusRunning {
			return errStopped
		}

		if i < job.TotalTargets-1 {
			if err := e.wait(ctx, stop); err != nil {
				return err
			}
		}
	}
	return nil
}

// persist writes results, the recounted totals and optionally the cursor. A status
// precondition failure means someone else ended the run and is reported as errStopped.
func (e *Executor) persist(
	ctx context.Context,
	jobID string,
	results []scrape.TargetResult,
	index *int,
	expect ...scrape.JobStatus,
) (scrape.Job, error) {
	success, failed := tally(results)
	job, err := e.store.UpdateJob(ctx, jobID, scrape.JobPatch{
		CurrentIndex: index,
		Results:      results,
		SuccessCount: scrape.IntPtr(success),
		FailedCount:  scrape.IntPtr(failed),
	}.Expect(expect...))
	if errors.Is(err, scrape.ErrStatusConflict) {
		return scrape.Job{}, errStopped
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("persist progress: %w", err)
	}
	return job, nil
}

func (e *Executor) wait(ctx context.Context, stop *StopSignal) error {
	if e.cfg.InterTargetDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.cfg.InterTargetDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop.Done():
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) fail(ctx context.Context, logger *zap.Logger, jobID string, started time.Time, cause error) error {
	logger.Error("job failed", zap.Error(cause))
	e.emitDone(jobID, progress.ResultFailed, started, cause.Error())
	_, err := e.store.UpdateJob(ctx, jobID, scrape.JobPatch{
		Status:      scrape.StatusPtr(scrape.JobStatusFailed),
		CompletedAt: scrape.TimePtr(e.clock.Now()),
		Error:       scrape.StringPtr(cause.Error()),
	}.Expect(scrape.JobStatusRunning, scrape.JobStatusPending))
	if err != nil {
		logger.Error("could not record job failure", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return cause
}

func (e *Executor) emit(evt progress.Event) {
	evt.TS = e.clock.Now()
	e.emitter.Emit(evt)
}

func (e *Executor) emitDone(jobID, result string, started time.Time, note string) {
	e.emit(progress.Event{JobID: jobID, Stage: progress.StageJobDone, Result: result,
		Dur: time.Since(started), Note: note})
}

func tally(results []scrape.TargetResult) (success, failed int) {
	for _, r := range results {
		switch r.Status {
		case scrape.TargetStatusSuccess:
			success++
		case scrape.TargetStatusFailed:
			failed++
		}
	}
	return success, failed
}
