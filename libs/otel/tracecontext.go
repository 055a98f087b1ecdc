package otelx

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Trace context persisted next to outbox rows and reminders is always W3C, whatever the
// global propagator is.
var w3c = propagation.TraceContext{}

// TraceContextStrings returns the W3C traceparent/tracestate of the span in ctx, or empty
// strings when there is none.
func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	carrier := propagation.MapCarrier{}
	w3c.Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithTraceContext restores a remote span context saved by TraceContextStrings.
func ContextWithTraceContext(ctx context.Context, traceparent string, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier.Set("tracestate", tracestate)
	}
	return w3c.Extract(ctx, carrier)
}

// TraceID is the hex trace id of the span in ctx, for log correlation.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
