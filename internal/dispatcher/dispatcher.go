// Package dispatcher launches job runs in the background and tracks them by job ID.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Launch when the job already has a run in flight.
var ErrAlreadyRunning = errors.New("job run already in flight")

// RunFunc is one background run. ctx ends when the dispatcher shuts down.
type RunFunc func(ctx context.Context) error

// ErrorSink receives errors and recovered panics from background runs.
type ErrorSink func(jobID string, err error)

// Dispatcher runs at most one RunFunc per job ID at a time.
type Dispatcher struct {
	ctx     context.Context
	sink    ErrorSink
	logger  *zap.Logger
	mu      sync.Mutex
	running map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a Dispatcher whose runs inherit ctx. sink may be nil.
func New(ctx context.Context, sink ErrorSink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ctx:     ctx,
		sink:    sink,
		logger:  logger.Named("dispatcher"),
		running: make(map[string]chan struct{}),
	}
}

// Launch starts fn in its own goroutine and returns immediately. The caller never sees
// the run's outcome; failures go to the error sink.
func (d *Dispatcher) Launch(jobID string, fn RunFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("dispatcher stopped: %w", err)
	}
	if _, ok := d.running[jobID]; ok {
		return fmt.Errorf("launch %s: %w", jobID, ErrAlreadyRunning)
	}
	done := make(chan struct{})
	d.running[jobID] = done
	d.wg.Add(1)
	go d.run(jobID, fn, done)
	return nil
}

func (d *Dispatcher) run(jobID string, fn RunFunc, done chan struct{}) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.running, jobID)
		d.mu.Unlock()
		close(done)
	}()

	err := d.call(fn)
	if err == nil {
		return
	}
	d.logger.Error("background run failed", zap.String("job_id", jobID), zap.Error(err))
	if d.sink != nil {
		d.sink(jobID, err)
	}
}

func (d *Dispatcher) call(fn RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			d.logger.Error("recovered panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return fn(d.ctx)
}

// Running reports whether jobID has a run in flight.
func (d *Dispatcher) Running(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[jobID]
	return ok
}

// Done returns a channel closed when the current run of jobID ends, or nil when none is in flight.
func (d *Dispatcher) Done(jobID string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[jobID]
}

// Wait blocks until every run has returned or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}
