// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Execution creation, lookup, cancellation and abort
//   - Listing executions per experiment and per owner
//   - Cluster usage snapshots and result deletion
//   - Health checks
//   - Prometheus metrics
//
// Domain error kinds map to statuses: not found 404, conflict 409, invalid
// argument 400 and upstream unavailable 503.
package http
