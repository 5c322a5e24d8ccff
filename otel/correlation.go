package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies spans created through this package.
const tracerName = "hive.evalgo.org"

// StartSpan starts a span on the global tracer provider. Workers wrap each
// document processing call in one.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// GetTraceID extracts the OpenTelemetry trace ID from the current context
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID extracts the OpenTelemetry span ID from the current context
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// AddRunToBaggage adds run correlation IDs to OpenTelemetry baggage
// This allows pipeline spans to reference the coordination run
func AddRunToBaggage(ctx context.Context, runID, workerID string) context.Context {
	// Get existing baggage
	bag := baggage.FromContext(ctx)

	// Add correlation IDs
	member1, _ := baggage.NewMember("run_id", runID)
	member2, _ := baggage.NewMember("worker_id", workerID)

	bag, _ = bag.SetMember(member1)
	bag, _ = bag.SetMember(member2)

	// Update context
	return baggage.ContextWithBaggage(ctx, bag)
}

// GetRunFromBaggage retrieves run correlation from OTel baggage
// Useful for pipeline implementations to extract coordination context
func GetRunFromBaggage(ctx context.Context) (runID, workerID string) {
	bag := baggage.FromContext(ctx)

	if member := bag.Member("run_id"); member.Value() != "" {
		runID = member.Value()
	}

	if member := bag.Member("worker_id"); member.Value() != "" {
		workerID = member.Value()
	}

	return
}
