// Package api hosts the HTTP server, middleware, and REST handlers for the job
// aggregator. Notable routes:
//   - POST /api/jobs/scrape runs a search and replies with the
//     {success, data} / {success, error} envelope.
//   - GET /api/jobs/sources lists the recognized source identifiers.
//   - GET /healthz and /readyz for Kubernetes probes; readyz reports pool stats
//     and turns 503 once the browser pool is closing.
//   - GET /metrics for Prometheus scraping.
package api
