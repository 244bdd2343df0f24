// Package api exposes the mailbox, delegation and certificate operations
// over a chi router mounted under /api/v1, plus read-only national directory
// lookups, /healthz, /readyz and /metrics. Authentication of callers happens
// in front of this service.
package api
