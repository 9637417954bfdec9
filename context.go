package agentrun

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/voocel/agentrun/history"
)

// EventUpdater mutates the timeline event it was registered for. Updaters
// are registered when an event is appended and taken exactly once when the
// matching completion arrives.
type EventUpdater func(update history.EventUpdate)

// OperationContext is the per-operation carrier: identity, cancellation,
// the operation logger and trace, live tool spans, and pending event
// updaters. One is created per generate/stream call and never reused.
type OperationContext struct {
	OperationID          string
	AgentID              string
	HistoryEntryID       string
	StartTime            time.Time
	ParentAgentID        string
	ParentHistoryEntryID string
	UserContext          map[string]interface{}
	Logger               *slog.Logger
	Trace                *TraceContext

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	active        bool
	cancelReason  string
	toolSpans     map[string]trace.Span
	eventUpdaters map[string]EventUpdater
}

// NewOperationContext derives an operation context from the parent ctx.
func NewOperationContext(ctx context.Context, operationID, agentID string, logger *slog.Logger) *OperationContext {
	opCtx, cancel := context.WithCancel(ctx)
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationContext{
		OperationID:   operationID,
		AgentID:       agentID,
		StartTime:     time.Now(),
		Logger:        logger.With("agentId", agentID, "operationId", operationID),
		ctx:           opCtx,
		cancel:        cancel,
		active:        true,
		toolSpans:     make(map[string]trace.Span),
		eventUpdaters: make(map[string]EventUpdater),
	}
}

// Context returns the cancellable context governing the operation.
func (oc *OperationContext) Context() context.Context { return oc.ctx }

// Active reports whether the operation is still running.
func (oc *OperationContext) Active() bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.active
}

// CancelReason returns the reason recorded by the first Cancel call.
func (oc *OperationContext) CancelReason() string {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.cancelReason
}

// Cancel aborts the operation. It is idempotent; the first reason wins.
func (oc *OperationContext) Cancel(reason string) {
	oc.mu.Lock()
	if !oc.active {
		oc.mu.Unlock()
		return
	}
	oc.active = false
	oc.cancelReason = reason
	oc.mu.Unlock()
	oc.cancel()
}

// Finish marks the operation complete without treating it as cancelled.
func (oc *OperationContext) Finish() {
	oc.mu.Lock()
	oc.active = false
	oc.mu.Unlock()
	oc.cancel()
}

// AttachToolSpan records the live span for a tool call. Attaching twice for
// the same call, or after the operation ended, fails.
func (oc *OperationContext) AttachToolSpan(toolCallID string, span trace.Span) error {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if !oc.active {
		return ErrOperationInactive
	}
	if _, exists := oc.toolSpans[toolCallID]; exists {
		return ErrDuplicateToolSpan
	}
	oc.toolSpans[toolCallID] = span
	return nil
}

// DetachToolSpan removes and returns the span for a tool call. Detaching an
// unknown id returns nil; the call is idempotent.
func (oc *OperationContext) DetachToolSpan(toolCallID string) trace.Span {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	span := oc.toolSpans[toolCallID]
	delete(oc.toolSpans, toolCallID)
	return span
}

// HasToolSpan reports whether a span is attached for the call.
func (oc *OperationContext) HasToolSpan(toolCallID string) bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	_, ok := oc.toolSpans[toolCallID]
	return ok
}

// OpenToolSpans returns the ids of calls whose spans are still attached.
func (oc *OperationContext) OpenToolSpans() []string {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	ids := make([]string, 0, len(oc.toolSpans))
	for id := range oc.toolSpans {
		ids = append(ids, id)
	}
	return ids
}

// RegisterEventUpdater stores the updater for a tracked event id.
func (oc *OperationContext) RegisterEventUpdater(eventID string, updater EventUpdater) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.eventUpdaters[eventID] = updater
}

// TakeEventUpdater removes and returns the updater for the id, or nil.
func (oc *OperationContext) TakeEventUpdater(eventID string) EventUpdater {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	updater := oc.eventUpdaters[eventID]
	delete(oc.eventUpdaters, eventID)
	return updater
}

// PendingEventUpdaters reports how many updaters were never taken.
func (oc *OperationContext) PendingEventUpdaters() int {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return len(oc.eventUpdaters)
}
