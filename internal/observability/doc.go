// Package observability provides structured logging and metrics for
// the governance gateway.
//
// Logging is zap-based with JSON or console encoding selected by
// configuration. Metrics are prometheus instruments registered on a
// caller-supplied registry so tests can use isolated registries.
package observability
