// Package api exposes the orchestrator over HTTP with gin.
//
// Routes live under /v1. Plans are addressed by their request ID; the
// escalation endpoints resolve a plan suspended for review. /healthz and
// /metrics are served at the root.
package api
