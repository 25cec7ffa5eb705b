// Package api hosts the ops HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to enqueue a plugin invocation, GET /v1/jobs/status for
//     its queue state.
//   - GET /v1/plugins and /v1/plugins/{id} for registry metadata.
//   - GET /v1/events for a server-sent stream of completion events.
package api
