// Package server hosts the control-plane REST API behind one HTTP server.
//
// The server builds a consistent middleware chain of request ids, logging,
// metrics, rate limiting, CORS, and security headers so handlers all share
// common protections and instrumentation. Graceful shutdown is bounded by a
// configurable timeout once the run context is cancelled.
package server
