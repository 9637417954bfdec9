package agentrun

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voocel/agentrun/history"
)

var personSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "integer"},
	},
	"required": []interface{}{"name", "age"},
}

func TestGenerateObjectValid(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{textRound(`{"name":"Ada","age":36}`)}}
	agent := New("structured", WithProvider(provider))

	result, err := agent.GenerateObject(context.Background(), Text("who"), personSchema, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(result.Object))

	entries, _ := agent.GetHistory()
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusCompleted, entries[0].Status)
}

func TestGenerateObjectStripsCodeFence(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{textRound("```json\n{\"name\":\"Ada\",\"age\":36}\n```")}}
	agent := New("fenced", WithProvider(provider))

	result, err := agent.GenerateObject(context.Background(), Text("who"), personSchema, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(result.Object))
}

func TestGenerateObjectInvalidJSON(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{textRound("not json at all")}}
	agent := New("invalid", WithProvider(provider))

	_, err := agent.GenerateObject(context.Background(), Text("who"), personSchema, nil)

	ae, ok := AsAgentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeModelOutputInvalid, ae.Code)
}

func TestGenerateObjectSchemaViolation(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{textRound(`{"name":"Ada"}`)}}
	agent := New("violating", WithProvider(provider))

	_, err := agent.GenerateObject(context.Background(), Text("who"), personSchema, nil)

	ae, ok := AsAgentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeModelOutputInvalid, ae.Code)

	entries, _ := agent.GetHistory()
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusError, entries[0].Status)
}

func TestStreamObject(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{textRound(`{"name":"Ada","age":36}`)}}
	agent := New("streaming-object", WithProvider(provider))

	stream, err := agent.StreamObject(context.Background(), Text("who"), personSchema, nil)
	require.NoError(t, err)

	text, err := stream.Text()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, text)
}

func TestProviderOverridesPerCall(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{textRound("ok")}}
	agent := New("overridden", WithProvider(provider), WithModel("default-model"))

	_, err := agent.GenerateText(context.Background(), Text("hi"), &GenerateOptions{
		Provider: map[string]interface{}{
			"model":       "special-model",
			"temperature": 0.1,
			"maxTokens":   64,
		},
	})
	require.NoError(t, err)

	provider.mu.Lock()
	req := provider.requests[0]
	provider.mu.Unlock()
	assert.Equal(t, "special-model", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.1, *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
}

func TestStreamObjectWithDeltas(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{{
		deltas: []string{`{"name":"Ada"`, `,"age":36}`},
		resp:   textRound(`{"name":"Ada","age":36}`).resp,
	}}}
	agent := New("streaming-object-deltas", WithProvider(provider))

	stream, err := agent.StreamObject(context.Background(), Text("who"), personSchema, nil)
	require.NoError(t, err)

	var sb strings.Builder
	for delta := range stream.TextStream() {
		sb.WriteString(delta)
	}
	assert.Equal(t, `{"name":"Ada","age":36}`, sb.String())

	text, err := stream.Text()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, text)
}
