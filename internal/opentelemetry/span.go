package opentelemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks span as failed and records err on it.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds a named event with attributes to span.
func HandleSpanEvent(span trace.Span, event string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(event, trace.WithAttributes(attributes...))
}

// InjectQueueTraceContext renders the trace context of ctx as broker headers.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// PrepareQueueHeaders copies baseHeaders and adds the W3C trace headers of ctx.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders)+2)

	for k, v := range baseHeaders {
		headers[k] = v
	}

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders continues the trace carried by broker headers.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return baseCtx
	}

	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if str, ok := v.(string); ok {
			carrier[k] = str
		}
	}

	if len(carrier) == 0 {
		return baseCtx
	}

	return otel.GetTextMapPropagator().Extract(baseCtx, carrier)
}
