package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// StoredTrace is a W3C trace context persisted next to a record (outbox rows) so the
// process that later handles the record can continue the trace.
type StoredTrace struct {
	Traceparent string
	Tracestate  string
}

func CaptureTrace(ctx context.Context) StoredTrace {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return StoredTrace{Traceparent: carrier["traceparent"], Tracestate: carrier["tracestate"]}
}

// Restore returns ctx unchanged when nothing was captured.
func (t StoredTrace) Restore(ctx context.Context) context.Context {
	if t.Traceparent == "" && t.Tracestate == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{
		"traceparent": t.Traceparent,
		"tracestate":  t.Tracestate,
	})
}
