package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used by the core packages.
const TracerName = "github.com/haasonsaas/nexus-core"

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures tracing.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string

	// SamplingRate is the fraction of traces recorded. Defaults to 1.0.
	SamplingRate float64

	// Insecure disables TLS to the collector.
	Insecure bool
}

// NewTracer creates a tracer and its shutdown function. Without an endpoint,
// or when the exporter cannot be created, spans go to the global provider,
// which is a no-op unless the embedder installed one.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if config.ServiceName == "" {
		config.ServiceName = "nexus"
	}
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(TracerName)}, noop
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(TracerName)}, noop
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(TracerName)}, provider.Shutdown
}

// NewTracerFromProvider wraps an existing provider, typically an SDK provider
// with an in-memory exporter in tests.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// Start creates a span. A nil *Tracer uses the global provider.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceProviderCall starts a client span for one provider invocation.
func (t *Tracer) TraceProviderCall(ctx context.Context, provider, model string, attempt int) (context.Context, trace.Span) {
	return t.Start(ctx, "provider."+provider, trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.attempt", attempt),
	)
}

// TraceToolExecution starts a span for one tool dispatch.
func (t *Tracer) TraceToolExecution(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool."+tool, trace.SpanKindInternal,
		attribute.String("tool.name", tool),
		attribute.String("tool.call_id", callID),
	)
}

// TraceTurn starts a span covering one agent turn.
func (t *Tracer) TraceTurn(ctx context.Context, sessionID string, stream bool) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.turn", trace.SpanKindInternal,
		attribute.String("session.id", sessionID),
		attribute.Bool("agent.stream", stream),
	)
}

// RecordError marks the span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
