package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const (
	emptyTraceID = "00000000000000000000000000000000"
	emptySpanID  = "0000000000000000"
)

// GetTraceID returns the trace id from the current span context, or an
// all-zero id when ctx carries no valid span.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return emptyTraceID
}

// GetSpanID returns the span id from the current span context.
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return emptySpanID
}
