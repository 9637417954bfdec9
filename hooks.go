package agentrun

import (
	"context"

	"github.com/voocel/agentrun/schema"
)

// Hooks observe agent lifecycle transitions. All fields are optional.
type Hooks struct {
	// OnStart runs when an operation begins, after its history entry
	// exists.
	OnStart func(ctx context.Context, oc *OperationContext)
	// OnEnd runs when an operation reaches a terminal state.
	OnEnd func(ctx context.Context, oc *OperationContext, err error)
	// OnToolStart runs before a tool executes.
	OnToolStart func(ctx context.Context, oc *OperationContext, call schema.ToolCall)
	// OnToolEnd runs after a tool finishes.
	OnToolEnd func(ctx context.Context, oc *OperationContext, result schema.ToolResult)
	// OnHandoff runs on the sub-agent when it receives a delegated task.
	OnHandoff func(ctx context.Context, agent *Agent, sourceAgentID string)
}
