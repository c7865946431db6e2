// Package main hosts the group scraper service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job control (start, resume, pause, cancel,
//     delete, cleanup) and read-only job and target listings.
//   - Orchestrator: internal/orchestrator enforces one active job at a time, persists the job before
//     launching it and hands each run to the dispatcher, which tracks runs by job ID and records panics.
//   - Executor: internal/executor walks a job's targets one at a time, persisting a breadcrumb before each
//     target and the outcome after it, so a restart resumes at CurrentIndex without redoing finished work.
//   - Automation: internal/automation bounds every target with a timeout and always closes the tab;
//     internal/automation/headless drives Chrome through chromedp and awaits one acknowledgment from the
//     in-page extractor.
//   - Persistence: jobs live in memory, an embedded badger database, or Postgres (store.driver).
//   - Configuration & plumbing: Viper populates config from env (SCRAPER_ prefix), an optional .env file and
//     a config file; zap provides structured logging with optional rotation; Prometheus metrics are exported
//     on /metrics; the progress hub batches run events into log and metric sinks.
//
// Operational notes:
//   - On startup a job left running by a previous process is relaunched from its saved cursor.
//   - schedule.interval starts a new job periodically; ticks that find an active job are skipped.
//   - SIGINT/SIGTERM stops the HTTP server, asks runs to stop at their next boundary and waits up to
//     server.shutdown_timeout. An interrupted job stays running and resumes on the next start.
//
// Quick checklist:
//   - Configure targets in the config file (targets: [{id, name, url, enabled}]).
//   - Pick a durable store for unattended use: SCRAPER_STORE_DRIVER=badger or postgres.
//   - Run locally: go run ./cmd/groupscraper -config config.yaml
package main
