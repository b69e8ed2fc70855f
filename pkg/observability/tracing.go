package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/contextmesh/contextmesh"

// StartSpan begins a span on the global tracer. Callers must End the
// returned span. Exporter wiring is a deployment concern; without one the
// spans are no-ops.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// SpanTenant returns the standard tenant id span attribute
func SpanTenant(tenantID string) attribute.KeyValue {
	return attribute.String("tenant.id", tenantID)
}

// SpanDocument returns the standard document id span attribute
func SpanDocument(documentID string) attribute.KeyValue {
	return attribute.String("document.id", documentID)
}
