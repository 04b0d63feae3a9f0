// Package trace exports run and iteration spans over OTLP when an
// endpoint is configured. Without OTEL_EXPORTER_OTLP_ENDPOINT in the
// environment every operation is a no-op, so callers never branch on
// whether tracing is live.
package trace

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Exporter owns the tracer provider for one run.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	enabled  bool
}

// New creates an exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set.
// Returns a disabled (nil-safe) exporter otherwise.
func New(ctx context.Context) (*Exporter, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "prdloop"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &Exporter{
		provider: provider,
		tracer:   provider.Tracer("prdloop/loop"),
		enabled:  true,
	}, nil
}

// StartRun opens the root span for a run. The returned context carries
// the span for iteration children; call end when the run reaches a
// terminal state.
func (e *Exporter) StartRun(ctx context.Context, prdPath, branch string) (context.Context, func(terminal string)) {
	if e == nil || !e.enabled {
		return ctx, func(string) {}
	}

	ctx, span := e.tracer.Start(ctx, "prdloop.run",
		oteltrace.WithAttributes(
			attribute.String("prdloop.prd.path", prdPath),
			attribute.String("prdloop.branch", branch),
		),
	)
	return ctx, func(terminal string) {
		span.SetAttributes(attribute.String("prdloop.terminal", terminal))
		span.End()
	}
}

// StartIteration opens one iteration span under the run span.
func (e *Exporter) StartIteration(ctx context.Context, number int, storyID, agent, model string) func(outcome string, duration time.Duration) {
	if e == nil || !e.enabled {
		return func(string, time.Duration) {}
	}

	_, span := e.tracer.Start(ctx, "prdloop.iteration",
		oteltrace.WithAttributes(
			attribute.Int("prdloop.iteration.number", number),
			attribute.String("prdloop.story.id", storyID),
			attribute.String("prdloop.agent", agent),
			attribute.String("prdloop.model", model),
		),
	)
	return func(outcome string, duration time.Duration) {
		span.SetAttributes(
			attribute.String("prdloop.outcome", outcome),
			attribute.Int64("prdloop.duration_ms", duration.Milliseconds()),
		)
		span.End()
	}
}

// Shutdown flushes buffered spans. Safe on a disabled exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil || !e.enabled {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
