// Package observability bundles the service's operational plumbing:
// structured slog-based JSON logging with request/key context, Prometheus
// metrics, OpenTelemetry tracing, health probes, and graceful shutdown.
package observability
