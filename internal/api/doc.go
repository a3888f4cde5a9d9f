// Package api hosts the HTTP server for operators and cron callers.
// Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tracker/start, /start/single and /rescrape enqueue batches (202).
//   - GET /v1/tracker/runs and /runs/{run_id} report run history and live state.
//   - GET /v1/tracker/captures/{hash} and /objects expose stored artifacts.
package api
