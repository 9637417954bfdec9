package agentrun

import (
	"context"
	"encoding/json"
	"strings"
)

// Tool is a capability the model can invoke. Schema returns a JSON Schema
// object describing the arguments (see the schema package builder).
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// ExecuteFunc is the tool body signature used by NewTool.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (any, error)

type funcTool struct {
	name        string
	description string
	schema      map[string]any
	fn          ExecuteFunc
}

// NewTool creates a tool from a function.
func NewTool(name, description string, schema map[string]any, fn ExecuteFunc) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *funcTool) Name() string           { return t.name }
func (t *funcTool) Description() string    { return t.description }
func (t *funcTool) Schema() map[string]any { return t.schema }
func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return t.fn(ctx, args)
}

// Toolkit bundles related tools with shared prompt instructions. When
// AddInstructions is set the instructions are appended to the agent's
// system prompt.
type Toolkit struct {
	Name            string
	Instructions    string
	AddInstructions bool
	Tools           []Tool
}

// reasoningToolNames are tool names reserved for internal deliberation;
// calls to them carry the operation's history entry id in their arguments
// and are checked against it.
var reasoningToolNames = map[string]bool{
	"think":   true,
	"analyze": true,
}

// IsReasoningTool reports whether the name is a reserved reasoning tool.
func IsReasoningTool(name string) bool {
	return reasoningToolNames[strings.ToLower(name)]
}

// ToolExecution is the call-scoped information injected into the tool's
// context so tool bodies can reach the operation that invoked them.
type ToolExecution struct {
	ToolCallID       string
	AgentID          string
	AgentName        string
	HistoryEntryID   string
	OperationContext *OperationContext
}

type toolExecutionKey struct{}

// WithToolExecution attaches execution info to the context.
func WithToolExecution(ctx context.Context, exec *ToolExecution) context.Context {
	return context.WithValue(ctx, toolExecutionKey{}, exec)
}

// ToolExecutionFromContext extracts execution info, if present.
func ToolExecutionFromContext(ctx context.Context) (*ToolExecution, bool) {
	exec, ok := ctx.Value(toolExecutionKey{}).(*ToolExecution)
	return exec, ok
}
