package llm

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voocel/litellm"

	"github.com/voocel/agentrun/schema"
)

func TestNewLiteLLMRequiresAPIKey(t *testing.T) {
	_, err := NewLiteLLM(LiteLLMConfig{Model: "gpt-4o-mini"})
	assert.Error(t, err)
}

func TestConvertMessagesRoundTrip(t *testing.T) {
	msgs := []schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("hello"),
		{
			Role: schema.RoleAssistant,
			ToolCalls: []schema.ToolCall{
				{ID: "c1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
			},
		},
		schema.ToolResultMessage(schema.ToolResult{ID: "c1", Name: "search", Content: json.RawMessage(`"ok"`)}),
	}

	out := convertMessages(msgs)
	require.Len(t, out, 4)

	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "be brief", out[0].Content)

	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "c1", out[2].ToolCalls[0].ID)
	assert.Equal(t, "function", out[2].ToolCalls[0].Type)
	assert.Equal(t, "search", out[2].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, out[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "c1", out[3].ToolCallID)
}

func TestConvertTools(t *testing.T) {
	specs := []ToolSpec{{
		Name:        "search",
		Description: "Search the web",
		Parameters:  map[string]any{"type": "object"},
	}}

	out := convertTools(specs)
	require.Len(t, out, 1)
	assert.Equal(t, "function", out[0].Type)
	assert.Equal(t, "search", out[0].Function.Name)
	assert.Equal(t, "Search the web", out[0].Function.Description)

	assert.Nil(t, convertTools(nil))
}

func TestConvertResponse(t *testing.T) {
	p := &LiteLLM{config: LiteLLMConfig{Model: "gpt-4o-mini"}}

	resp := p.convertResponse(&litellm.Response{
		Content: "",
		ToolCalls: []litellm.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: litellm.FunctionCall{Name: "search", Arguments: `{"q":"go"}`},
		}},
		Usage: litellm.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	})

	assert.Equal(t, schema.RoleAssistant, resp.Message.Role)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "search", resp.Message.ToolCalls[0].Name)
	// Missing finish reason is inferred from the tool calls.
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestBuildRequestResponseFormat(t *testing.T) {
	p := &LiteLLM{config: LiteLLMConfig{Model: "gpt-4o-mini"}}

	out := p.buildRequest(&Request{
		ResponseFormat: &ResponseFormat{
			Type:   "json_schema",
			Schema: map[string]any{"type": "object"},
			Strict: true,
		},
	})

	require.NotNil(t, out.ResponseFormat)
	assert.Equal(t, litellm.ResponseFormatJSONSchema, out.ResponseFormat.Type)
	require.NotNil(t, out.ResponseFormat.JSONSchema)
	assert.Equal(t, map[string]any{"type": "object"}, out.ResponseFormat.JSONSchema.Schema)

	plain := p.buildRequest(&Request{})
	assert.Nil(t, plain.ResponseFormat)
}

func TestStreamAssembler(t *testing.T) {
	asm := newStreamAssembler()

	assert.Equal(t, "Hel", asm.add(&litellm.StreamChunk{Type: litellm.ChunkTypeContent, Content: "Hel", Model: "gpt-4o-mini"}))
	assert.Equal(t, "lo", asm.add(&litellm.StreamChunk{Type: litellm.ChunkTypeContent, Content: "lo"}))

	// Tool call arrives split across argument deltas.
	assert.Empty(t, asm.add(&litellm.StreamChunk{
		Type:          litellm.ChunkTypeToolCallDelta,
		ToolCallDelta: &litellm.ToolCallDelta{Index: 0, ID: "c1", FunctionName: "search"},
	}))
	assert.Empty(t, asm.add(&litellm.StreamChunk{
		Type:          litellm.ChunkTypeToolCallDelta,
		ToolCallDelta: &litellm.ToolCallDelta{Index: 0, ArgumentsDelta: `{"q":`},
	}))
	assert.Empty(t, asm.add(&litellm.StreamChunk{
		Type:          litellm.ChunkTypeToolCallDelta,
		ToolCallDelta: &litellm.ToolCallDelta{Index: 0, ArgumentsDelta: `"go"}`},
	}))
	asm.add(&litellm.StreamChunk{FinishReason: "tool_calls", Done: true})

	resp := asm.response()
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "c1", resp.ToolCalls[0].ID)
	assert.Equal(t, "search", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, resp.ToolCalls[0].Function.Arguments)
}

type scriptedStreamReader struct {
	chunks []litellm.StreamChunk
	pos    int
	closed bool
}

func (r *scriptedStreamReader) Next() (*litellm.StreamChunk, error) {
	if r.pos >= len(r.chunks) {
		return nil, io.EOF
	}
	chunk := r.chunks[r.pos]
	r.pos++
	return &chunk, nil
}

func (r *scriptedStreamReader) Close() error {
	r.closed = true
	return nil
}

func TestStreamReaderToEvents(t *testing.T) {
	// Drives the same consumption loop GenerateStream runs over a reader.
	p := &LiteLLM{config: LiteLLMConfig{Model: "gpt-4o-mini"}}
	reader := &scriptedStreamReader{chunks: []litellm.StreamChunk{
		{Type: litellm.ChunkTypeContent, Content: "Hi "},
		{Type: litellm.ChunkTypeContent, Content: "there"},
		{FinishReason: "stop", Done: true},
	}}

	asm := newStreamAssembler()
	var deltas []string
	for {
		chunk, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if delta := asm.add(chunk); delta != "" {
			deltas = append(deltas, delta)
		}
	}
	resp := p.convertResponse(asm.response())

	assert.Equal(t, []string{"Hi ", "there"}, deltas)
	assert.Equal(t, "Hi there", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestModelRouting(t *testing.T) {
	assert.True(t, isAnthropicModel("claude-sonnet-4-5"))
	assert.True(t, isGeminiModel("gemini-2.0-flash"))
	assert.False(t, isAnthropicModel("gpt-4o"))
	assert.False(t, isGeminiModel("gpt-4o"))
}
