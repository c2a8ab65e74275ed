// Package api hosts the operator HTTP surface:
//   - GET /healthz for liveness.
//   - GET /readyz, which pings the store.
//   - GET /metrics for Prometheus scraping.
package api
