// Package api hosts the optional status server that runs beside a
// long-running phase. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the current phase snapshot.
package api
