// Package api hosts the HTTP control surface for operators. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to start a job, plus resume, pause and cancel under /v1/jobs/{job_id}.
//   - GET /v1/jobs, /v1/jobs/active and /v1/jobs/{job_id} for polling progress.
//   - GET /v1/targets for the targets a new job would cover; PUT, DELETE and enable/disable
//     under /v1/targets/{target_id} edit the registry at runtime.
package api
