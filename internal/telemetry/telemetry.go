// Package telemetry wires OTLP tracing for the translate flow. With no
// collector endpoint configured everything degrades to no-op spans.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

var tracer trace.Tracer

// Init installs the global tracer provider and returns its shutdown
// hook. An empty endpoint leaves the no-op provider in place.
func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = provider.Tracer(serviceName)

	slog.Info("tracing initialized", "endpoint", otlpEndpoint)
	return provider.Shutdown, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer("translate-gateway")
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, provider, sourceLang, targetLang, requestID string) {
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("lang.source", sourceLang),
		attribute.String("lang.target", targetLang),
		attribute.String("request.id", requestID),
	)
}

func AddTextAttributes(span trace.Span, chars, batchSize int) {
	span.SetAttributes(
		attribute.Int("text.chars", chars),
		attribute.Int("text.batch_size", batchSize),
	)
}

func AddCostAttribute(span trace.Span, costUSD float64) {
	span.SetAttributes(attribute.Float64("cost.usd", costUSD))
}

func AddCacheAttribute(span trace.Span, cacheHit bool) {
	span.SetAttributes(attribute.Bool("cache.hit", cacheHit))
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(attribute.String("error.message", err.Error()))
	span.RecordError(err)
}

// TraceID extracts the current trace id for request log correlation.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
