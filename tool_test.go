package agentrun

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolExecutionContext(t *testing.T) {
	exec := &ToolExecution{ToolCallID: "c1", AgentID: "a1", HistoryEntryID: "h1"}
	ctx := WithToolExecution(context.Background(), exec)

	got, ok := ToolExecutionFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, exec, got)

	_, ok = ToolExecutionFromContext(context.Background())
	assert.False(t, ok)
}

func TestIsReasoningTool(t *testing.T) {
	assert.True(t, IsReasoningTool("think"))
	assert.True(t, IsReasoningTool("Analyze"))
	assert.False(t, IsReasoningTool("search"))
}

func TestNewToolAdapter(t *testing.T) {
	tool := NewTool("double", "Doubles a number", map[string]any{"type": "object"},
		func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.N * 2, nil
		})

	assert.Equal(t, "double", tool.Name())
	assert.Equal(t, "Doubles a number", tool.Description())

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"n":21}`))
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}
