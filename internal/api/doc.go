// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to enqueue a pipeline run.
//   - GET /v1/runs and /v1/runs/{run_id} for registry summaries, plus
//     /snapshots and /profiles for the run's stored artifacts.
package api
