package agentrun

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voocel/litellm"

	"github.com/voocel/agentrun/guardrail"
	"github.com/voocel/agentrun/schema"
)

func TestStreamTextDeliversDeltas(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{{
		deltas: []string{"Hello", " ", "world"},
		resp: textRound("Hello world").resp,
	}}}
	agent := New("streamer", WithProvider(provider))

	stream, err := agent.StreamText(context.Background(), Text("hi"), nil)
	require.NoError(t, err)

	var sb strings.Builder
	for delta := range stream.TextStream() {
		sb.WriteString(delta)
	}
	assert.Equal(t, "Hello world", sb.String())

	text, err := stream.Text()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	reason, err := stream.FinishReason()
	require.NoError(t, err)
	assert.Equal(t, "stop", reason)

	usage, err := stream.Usage()
	require.NoError(t, err)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestStreamTextRedactsAcrossChunks(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{{
		deltas: []string{"Funding: 12", "345678 total"},
		resp: textRound("Funding: 12345678 total").resp,
	}}}
	agent := New("redactor",
		WithProvider(provider),
		WithOutputGuardrails(guardrail.NewSensitiveNumbers(4)),
	)

	stream, err := agent.StreamText(context.Background(), Text("hi"), nil)
	require.NoError(t, err)

	var sb strings.Builder
	for delta := range stream.TextStream() {
		sb.WriteString(delta)
		assert.NotContains(t, sb.String(), "12345678")
	}

	text, err := stream.Text()
	require.NoError(t, err)
	assert.Equal(t, "Funding: [redacted] total", text)
	assert.Equal(t, text, sb.String())
}

func TestStreamTextBlockedMidStream(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{{
		deltas: []string{"this is fine ", "but darn bad"},
		resp: textRound("this is fine but darn bad").resp,
	}}}
	agent := New("blocked",
		WithProvider(provider),
		WithOutputGuardrails(guardrail.NewProfanity([]string{"darn"}, guardrail.ProfanityBlock)),
	)

	stream, err := agent.StreamText(context.Background(), Text("hi"), nil)
	require.NoError(t, err)

	_, err = stream.Text()
	ae, ok := AsAgentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeGuardrailOutputBlocked, ae.Code)
}

func TestStreamFullStreamPartOrder(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{
		toolRound(schema.ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"x"}`)}),
		{
			deltas: []string{"done"},
			resp: textRound("done").resp,
		},
	}}
	agent := New("parts", WithProvider(provider), WithTools(echoTool(t)))

	stream, err := agent.StreamText(context.Background(), Text("go"), nil)
	require.NoError(t, err)

	var types []schema.StreamPartType
	for part := range stream.FullStream() {
		types = append(types, part.Type)
	}

	assert.Equal(t, []schema.StreamPartType{
		schema.PartTextStart,
		schema.PartToolCall,
		schema.PartToolResult,
		schema.PartTextDelta,
		schema.PartFinish,
	}, types)
	require.NoError(t, stream.Err())
}

func TestStreamReplayAfterCompletion(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{{
		deltas: []string{"late ", "reader"},
		resp: textRound("late reader").resp,
	}}}
	agent := New("replay", WithProvider(provider))

	stream, err := agent.StreamText(context.Background(), Text("hi"), nil)
	require.NoError(t, err)

	// Wait for the operation to finish before consuming.
	<-stream.Done()

	var sb strings.Builder
	for delta := range stream.TextStream() {
		sb.WriteString(delta)
	}
	assert.Equal(t, "late reader", sb.String())
}

func TestStreamTextNoRetryAfterPartialOutput(t *testing.T) {
	provider := &mockProvider{rounds: []scriptedRound{
		{deltas: []string{"Hel"}, err: litellm.NewRateLimitError("openai", "slow down", 1)},
		textRound("Hello"),
	}}
	agent := New("partial-stream", WithProvider(provider))

	stream, err := agent.StreamText(context.Background(), Text("hi"), nil)
	require.NoError(t, err)

	var deltas []string
	for delta := range stream.TextStream() {
		deltas = append(deltas, delta)
	}

	_, err = stream.Text()
	ae, ok := AsAgentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeProviderError, ae.Code)

	// The consumer saw the partial output exactly once; the failed round
	// was not replayed despite the retryable error.
	assert.Equal(t, []string{"Hel"}, deltas)
	assert.Equal(t, 1, provider.callCount())
}
