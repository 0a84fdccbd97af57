package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrUserID    = attribute.Key("streamdesk.user.id")
	AttrRequestID = attribute.Key("streamdesk.request.id")
	AttrOutcome   = attribute.Key("streamdesk.stream.outcome")
	AttrChunks    = attribute.Key("streamdesk.stream.chunks")
	AttrButton    = attribute.Key("streamdesk.prompt.button")
	AttrRole      = attribute.Key("streamdesk.prompt.role")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
