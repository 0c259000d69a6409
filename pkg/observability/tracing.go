package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer behind a small fabric-local surface.
// When tracing is disabled a noop provider is used and spans cost nothing.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer for the given component. Exporter setup is the
// operator's concern; the fabric only creates spans against the global
// provider.
func NewTracer(cfg TracingConfig, component string) *Tracer {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(component)}
	}
	return &Tracer{tracer: otel.Tracer(component)}
}

// StartSpan starts a span with optional attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, sets its status, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
