// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sources for source management and POST /v1/sources/{id}/run to
//     start a crawl attempt.
//   - GET /v1/attempts/{id} and /v1/attempts/{id}/items for attempt reporting.
//
// The caller's identity is read from a trusted header set by the gateway
// (auth.user_header, X-User by default).
package api
