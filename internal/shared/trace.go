package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type messageDepthKey struct{}
type delegationHopKey struct{}
type agentIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithMessageDepth attaches the current recursive message-handling depth to the context.
func WithMessageDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, messageDepthKey{}, depth)
}

// MessageDepth extracts the message depth from context. Returns 0 if absent.
func MessageDepth(ctx context.Context) int {
	if v, ok := ctx.Value(messageDepthKey{}).(int); ok {
		return v
	}
	return 0
}

// WithDelegationHop attaches the current delegation hop count to the context.
func WithDelegationHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, delegationHopKey{}, hop)
}

// DelegationHop extracts the delegation hop count from context. Returns 0 if absent.
func DelegationHop(ctx context.Context) int {
	if v, ok := ctx.Value(delegationHopKey{}).(int); ok {
		return v
	}
	return 0
}

// WithAgentID attaches the acting agent/session identifier to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts the agent/session identifier from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}
