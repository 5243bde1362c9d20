// Package observability provides the logging, metrics and tracing used across
// the runtime core.
//
// Logging is log/slog behind a handler that redacts secrets and attaches the
// session and request ids carried by the context. Metrics are Prometheus
// collectors registered on a caller-supplied registerer so that tests and
// embedders can keep them isolated. Tracing uses OpenTelemetry with an OTLP
// gRPC exporter when an endpoint is configured and the global no-op tracer
// otherwise.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "nexus"})
//	defer shutdown(context.Background())
package observability
