package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voocel/agentrun/schema"
)

func TestRunInputThreadsModifications(t *testing.T) {
	first := InputFunc(Meta{ID: "first"}, func(_ context.Context, p InputPayload) (InputResult, error) {
		return InputResult{Action: ActionModify, ModifiedText: p.Text + " one"}, nil
	})
	second := InputFunc(Meta{ID: "second"}, func(_ context.Context, p InputPayload) (InputResult, error) {
		return InputResult{Action: ActionModify, ModifiedText: p.Text + " two"}, nil
	})

	out, err := RunInput(context.Background(), []InputGuardrail{first, second}, InputPayload{Text: "start"})
	require.NoError(t, err)
	assert.Equal(t, "start one two", out.Text)
}

func TestRunInputBlockStopsChain(t *testing.T) {
	called := false
	blocker := InputFunc(Meta{ID: "blocker"}, func(context.Context, InputPayload) (InputResult, error) {
		return InputResult{Action: ActionBlock, Message: "nope"}, nil
	})
	after := InputFunc(Meta{ID: "after"}, func(context.Context, InputPayload) (InputResult, error) {
		called = true
		return InputResult{Action: ActionPass}, nil
	})

	_, err := RunInput(context.Background(), []InputGuardrail{blocker, after}, InputPayload{Text: "x"})

	var blocked *Blocked
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "blocker", blocked.GuardrailID)
	assert.Equal(t, "input", blocked.Phase)
	assert.Equal(t, "nope", blocked.Message)
	assert.False(t, called)
}

func TestRunInputModifyOnMessagesRequiresMessages(t *testing.T) {
	bad := InputFunc(Meta{ID: "bad"}, func(context.Context, InputPayload) (InputResult, error) {
		return InputResult{Action: ActionModify, ModifiedText: "text only"}, nil
	})

	payload := InputPayload{Messages: []schema.Message{schema.UserMessage("hi")}}
	_, err := RunInput(context.Background(), []InputGuardrail{bad}, payload)

	var blocked *Blocked
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "bad", blocked.GuardrailID)
}

func TestRunInputGuardrailError(t *testing.T) {
	boom := errors.New("boom")
	failing := InputFunc(Meta{ID: "failing"}, func(context.Context, InputPayload) (InputResult, error) {
		return InputResult{}, boom
	})

	_, err := RunInput(context.Background(), []InputGuardrail{failing}, InputPayload{Text: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestRunOutputThreadsAndKeepsOriginal(t *testing.T) {
	var sawOriginal string
	upper := OutputFunc(Meta{ID: "upper"}, func(_ context.Context, p OutputPayload) (OutputResult, error) {
		return OutputResult{Action: ActionModify, ModifiedOutput: p.Output + "!"}, nil
	})
	witness := OutputFunc(Meta{ID: "witness"}, func(_ context.Context, p OutputPayload) (OutputResult, error) {
		sawOriginal = p.Original
		return OutputResult{Action: ActionPass}, nil
	})

	out, err := RunOutput(context.Background(), []OutputGuardrail{upper, witness}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello!", out)
	assert.Equal(t, "hello", sawOriginal)
}

func TestRunOutputBlock(t *testing.T) {
	blocker := OutputFunc(Meta{ID: "blocker"}, func(context.Context, OutputPayload) (OutputResult, error) {
		return OutputResult{Action: ActionBlock}, nil
	})

	_, err := RunOutput(context.Background(), []OutputGuardrail{blocker}, "hello")

	var blocked *Blocked
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "output", blocked.Phase)
	assert.NotEmpty(t, blocked.Message)
}
