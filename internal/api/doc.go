// Package api hosts the operator HTTP surface shared by the dispatcher and
// worker processes. Routes:
//   - GET /healthz and /readyz for container probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queues/{queue}/schedule for the current dispatch order.
//   - GET /v1/queues/{queue}/runs/latest for the newest run per unit.
//   - GET /v1/runs/{id} for a single ledger row.
package api
