package agentrun

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceContext carries the operation's root span and mints child spans for
// tools and sub-operations. With no tracer configured it uses a no-op
// provider, so instrumentation is always safe to call.
type TraceContext struct {
	tracer trace.Tracer
	ctx    context.Context
	root   trace.Span
}

// NewTraceContext starts a root span for the operation.
func NewTraceContext(ctx context.Context, tracer trace.Tracer, operationName, agentID, operationID string) *TraceContext {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agentrun")
	}
	spanCtx, root := tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("operation.id", operationID),
	))
	return &TraceContext{tracer: tracer, ctx: spanCtx, root: root}
}

// Context returns the context carrying the root span.
func (t *TraceContext) Context() context.Context { return t.ctx }

// CreateChildSpan starts a span under the operation's root span.
func (t *TraceContext) CreateChildSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(t.ctx, name, trace.WithAttributes(attrs...))
}

// End finishes the root span.
func (t *TraceContext) End() { t.root.End() }
