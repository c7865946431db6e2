// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/api"
	"github.com/JakeFAU/group-scraper/internal/automation"
	"github.com/JakeFAU/group-scraper/internal/automation/headless"
	"github.com/JakeFAU/group-scraper/internal/clock/system"
	"github.com/JakeFAU/group-scraper/internal/config"
	"github.com/JakeFAU/group-scraper/internal/executor"
	"github.com/JakeFAU/group-scraper/internal/id/uuid"
	"github.com/JakeFAU/group-scraper/internal/orchestrator"
	"github.com/JakeFAU/group-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/group-scraper/internal/progress"
	"github.com/JakeFAU/group-scraper/internal/progress/sinks"
	regmem "github.com/JakeFAU/group-scraper/internal/registry/memory"
	"github.com/JakeFAU/group-scraper/internal/scrape"
	badgerstore "github.com/JakeFAU/group-scraper/internal/storage/badger"
	memstore "github.com/JakeFAU/group-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/group-scraper/internal/storage/postgres"
)

// Options are the process-level hooks that do not come from the config file.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Browser replaces the chromedp browser, e.g. with a fake in tests.
	Browser automation.Browser
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and torn down by Shutdown.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        scrape.JobStore
	registry     *regmem.Registry
	hub          *progress.Hub
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
	stopRuns     context.CancelFunc
	closers      []func() error
}

// New wires every service from cfg. It fails fast if the store or browser cannot be set up.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.registry, err = regmem.New(cfg.Targets)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	browser := opts.Browser
	if browser == nil {
		chrome, err := headless.New(headless.Config{
			Headless:        cfg.Browser.Headless,
			ExecPath:        cfg.Browser.ExecPath,
			RemoteURL:       cfg.Browser.RemoteURL,
			UserDataDir:     cfg.Browser.UserDataDir,
			UserAgent:       cfg.Browser.UserAgent,
			ExtractHook:     cfg.Browser.ExtractHook,
			ExtractorScript: cfg.Browser.ExtractorScript,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init browser: %w", err)
		}
		a.closers = append(a.closers, func() error { chrome.Close(); return nil })
		browser = chrome
	}
	controller := automation.New(browser, automation.Config{
		Timeout:        cfg.Automation.Timeout,
		ScrollCount:    cfg.Automation.ScrollCount,
		ScrollInterval: cfg.Automation.ScrollInterval,
		SettleDelay:    cfg.Automation.SettleDelay,
	}, logger)

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	progressSinks := []progress.Sink{promSink}
	if cfg.Progress.LogEvents {
		progressSinks = append(progressSinks, sinks.NewLogSink(logger))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger,
	}, progressSinks...)

	clock := system.New()
	exec := executor.New(
		store,
		a.registry,
		controller,
		clock,
		ratelimit.New(ratelimit.Config{
			PerHostRPS:   cfg.Executor.PerHostRPS,
			PerHostBurst: cfg.Executor.PerHostBurst,
		}),
		a.hub,
		executor.Config{InterTargetDelay: cfg.Executor.InterTargetDelay},
		logger,
	)

	runCtx, stopRuns := context.WithCancel(context.Background())
	a.stopRuns = stopRuns
	a.orchestrator, err = orchestrator.New(runCtx, orchestrator.Deps{
		Store:    store,
		Registry: a.registry,
		Runner:   exec,
		IDs:      uuid.New(),
		Clock:    clock,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.server = api.NewServer(a.orchestrator, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          a.ready,
		Targets:        a.registry,
	}, logger)

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("targets", len(cfg.Targets)))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (scrape.JobStore, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case config.StoreMemory, "":
		a.logger.Warn("using in-memory job store; jobs do not survive restarts")
		return memstore.NewJobStore(sc.KeepCompleted), nil
	case config.StoreBadger:
		store, err := badgerstore.Open(badgerstore.Config{Path: sc.Badger.Path, KeepCompleted: sc.KeepCompleted}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init badger store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StorePostgres:
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:             sc.Postgres.DSN,
			Table:           sc.Postgres.Table,
			MaxConns:        sc.Postgres.MaxConns,
			MinConns:        sc.Postgres.MinConns,
			MaxConnLifetime: sc.Postgres.MaxConnLifetime,
			KeepCompleted:   sc.KeepCompleted,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", sc.Driver)
	}
}

func (a *App) ready(ctx context.Context) error {
	if _, _, err := a.store.GetActiveJob(ctx); err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	return nil
}

// Orchestrator returns the job control surface.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler returns the HTTP router.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Shutdown stops background runs at their next boundary, waits for them, flushes
// telemetry and releases the browser and store. Jobs left running resume on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.stopRuns != nil {
		a.stopRuns()
	}
	if a.orchestrator != nil {
		if err := a.orchestrator.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
