package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for steward spans.
var (
	AttrEntityKey  = attribute.Key("steward.entity.key")
	AttrEventID    = attribute.Key("steward.event.id")
	AttrTraceID    = attribute.Key("steward.trace.id")
	AttrEventKind  = attribute.Key("steward.event.kind")
	AttrPhase      = attribute.Key("steward.ritual.phase")
	AttrStage      = attribute.Key("steward.research.stage")
	AttrRound      = attribute.Key("steward.research.round")
	AttrModel      = attribute.Key("steward.llm.model")
	AttrErrorClass = attribute.Key("steward.error.class")
	AttrProvider   = attribute.Key("steward.search.provider")
	AttrFiles      = attribute.Key("steward.store.files")
	AttrAttempt    = attribute.Key("steward.store.attempt")
)

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound webhook.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound capability call (LLM, search, chat, store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
