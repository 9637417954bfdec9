package agentrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/voocel/agentrun/history"
)

func newTestOpCtx(t *testing.T) *OperationContext {
	t.Helper()
	oc := NewOperationContext(context.Background(), "op-1", "agent-1", nil)
	oc.Trace = NewTraceContext(oc.Context(), nil, "test", "agent-1", "op-1")
	return oc
}

func TestCancelIsIdempotentFirstReasonWins(t *testing.T) {
	oc := newTestOpCtx(t)

	oc.Cancel("timeout")
	oc.Cancel("user abort")

	assert.False(t, oc.Active())
	assert.Equal(t, "timeout", oc.CancelReason())
	assert.ErrorIs(t, oc.Context().Err(), context.Canceled)
}

func TestAttachToolSpanRejectsDuplicates(t *testing.T) {
	oc := newTestOpCtx(t)
	tracer := noop.NewTracerProvider().Tracer("test")
	_, span := tracer.Start(context.Background(), "tool.test")

	require.NoError(t, oc.AttachToolSpan("call-1", span))
	assert.ErrorIs(t, oc.AttachToolSpan("call-1", span), ErrDuplicateToolSpan)

	// Detach is idempotent.
	assert.NotNil(t, oc.DetachToolSpan("call-1"))
	assert.Nil(t, oc.DetachToolSpan("call-1"))
	assert.Empty(t, oc.OpenToolSpans())
}

func TestAttachToolSpanAfterCancelFails(t *testing.T) {
	oc := newTestOpCtx(t)
	tracer := noop.NewTracerProvider().Tracer("test")
	_, span := tracer.Start(context.Background(), "tool.test")

	oc.Cancel("done")
	assert.ErrorIs(t, oc.AttachToolSpan("call-1", span), ErrOperationInactive)
}

func TestEventUpdaterTakenOnce(t *testing.T) {
	oc := newTestOpCtx(t)

	applied := 0
	oc.RegisterEventUpdater("ev-1", func(history.EventUpdate) { applied++ })
	assert.Equal(t, 1, oc.PendingEventUpdaters())

	updater := oc.TakeEventUpdater("ev-1")
	require.NotNil(t, updater)
	updater(history.EventUpdate{Status: "completed"})
	assert.Equal(t, 1, applied)

	assert.Nil(t, oc.TakeEventUpdater("ev-1"))
	assert.Zero(t, oc.PendingEventUpdaters())
}
