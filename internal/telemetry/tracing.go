// Package telemetry provides the proxy's OpenTelemetry tracing and
// Prometheus metrics, exported over OTLP/gRPC when an endpoint is
// configured and otherwise installed as a no-op so instrumentation calls
// never need a nil check at the call site.
package telemetry

import (
	"context"
	"fmt"

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

const serviceName = "toolgate"

// Tracer wraps an OpenTelemetry tracer with span helpers for orchestrator
// rounds, upstream calls, and tool-call batches.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer builds a Tracer. If otlpEndpoint is empty, spans are created
// against the process-wide no-op provider: Start/End calls are safe but
// produce nothing, per §10's "export when configured" ambient design.
func NewTracer(otlpEndpoint string) (*Tracer, func(context.Context) error) {
	if otlpEndpoint == "" {
		return &Tracer{tracer: otel.Tracer(serviceName)}, func(context.Context) error { return nil }
	}

	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return &Tracer{tracer: otel.Tracer(serviceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, provider.Shutdown
}

// Start creates a new span and returns a context holding it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var options []trace.SpanStartOption
	if len(opts) > 0 {
		if opts[0].Kind != 0 {
			options = append(options, trace.WithSpanKind(opts[0].Kind))
		}
		if len(opts[0].Attributes) > 0 {
			options = append(options, trace.WithAttributes(opts[0].Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, options...)
}

// RecordError records err on span and marks it failed. A nil err is a no-op.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RoundSpan starts the per-round span for the orchestrator's state machine.
func (t *Tracer) RoundSpan(ctx context.Context, round, toolCallCount int) (context.Context, trace.Span) {
	return t.Start(ctx, "orchestrator.round", SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.Int("round", round),
			attribute.Int("tool_call_count", toolCallCount),
		},
	})
}

// UpstreamCallSpan starts the per-upstream-call span.
func (t *Tracer) UpstreamCallSpan(ctx context.Context, round int, streaming bool) (context.Context, trace.Span) {
	return t.Start(ctx, "orchestrator.upstream_call", SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.Int("round", round),
			attribute.Bool("streaming", streaming),
		},
	})
}

// ToolBatchSpan starts the span covering one concurrent tool-call batch.
func (t *Tracer) ToolBatchSpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("invoker.batch[%d]", batchSize), SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.Int("batch_size", batchSize),
		},
	})
}
