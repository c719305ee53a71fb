package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for devpipe spans and metrics.
var (
	AttrJobID       = attribute.Key("devpipe.job.id")
	AttrRunID       = attribute.Key("devpipe.run.id")
	AttrStageID     = attribute.Key("devpipe.stage.id")
	AttrSubject     = attribute.Key("devpipe.subject")
	AttrOperation   = attribute.Key("devpipe.operation")
	AttrOutcome     = attribute.Key("devpipe.outcome")
	AttrFailureType = attribute.Key("devpipe.failure.type")
	AttrNamespace   = attribute.Key("devpipe.knowledge.namespace")
	AttrPhase       = attribute.Key("devpipe.phase")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (stage executor, publisher).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
