// Package api hosts the HTTP server, middleware, and REST handlers for the
// campaign indexer. Notable routes:
//   - POST /api/submit to open a campaign and debit one credit per URL.
//   - GET /api/credits and /api/campaigns for owner-scoped reporting.
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
package api
