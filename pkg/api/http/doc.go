// Package http provides the HTTP REST API.
//
// The HTTP server exposes endpoints for:
//   - Workflow registration and lookup
//   - Starting, cancelling and rolling back executions
//   - Execution status, step results and progress
//   - Health checks and Prometheus metrics
package http
