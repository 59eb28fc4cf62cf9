package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for LCM spans.
var (
	AttrConversationID = attribute.Key("lcm.conversation.id")
	AttrSummaryID      = attribute.Key("lcm.summary.id")
	AttrSummaryDepth   = attribute.Key("lcm.summary.depth")
	AttrSummaryKind    = attribute.Key("lcm.summary.kind")
	AttrPassKind       = attribute.Key("lcm.compaction.pass_kind")
	AttrTokensInput    = attribute.Key("lcm.tokens.input")
	AttrTokensOutput   = attribute.Key("lcm.tokens.output")
	AttrGrantSessionKey = attribute.Key("lcm.expansion.delegated_session_key")
	AttrExpansionDepth = attribute.Key("lcm.expansion.depth")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
