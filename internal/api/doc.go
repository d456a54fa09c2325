// Package api hosts the HTTP handlers that front the control-plane REST API.
//
// Handlers validate requests, resolve the calling owner from gateway-supplied
// headers, and delegate all state changes to the session registry, the
// publishing orchestrator, and the quality reporter injected at construction
// time. The package does not reach for globals and expects callers to supply
// fully configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already applied request ids, rate limiting, metrics, and logging. New routes
// should preserve that contract instead of duplicating those concerns.
package api
