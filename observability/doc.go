// Package observability provides an OpenTelemetry-based metrics
// extension for Turnstile. The MetricsExtension implements lifecycle
// hooks to record system-wide counters for request accept, completion,
// failure, reclaim, and lock-timeout events, plus a turn duration
// histogram.
//
// For per-call tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
