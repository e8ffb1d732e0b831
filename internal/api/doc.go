// Package api hosts the HTTP server, middleware, and REST handlers for
// submitting and inspecting runs. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to queue an annual fetch.
//   - GET /v1/runs and /v1/runs/{run_id} for run status and snapshot location.
package api
