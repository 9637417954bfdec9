package agentrun

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voocel/agentrun/events"
	"github.com/voocel/agentrun/history"
	"github.com/voocel/agentrun/schema"
)

func TestDelegationRunsSubAgentWithParentLink(t *testing.T) {
	bus := events.NewBus()

	subProvider := &mockProvider{rounds: []scriptedRound{textRound("42 degrees")}}
	sub := New("weather",
		WithName("weather"),
		WithPurpose("Answers weather questions"),
		WithProvider(subProvider),
		WithEventBus(bus),
	)

	delegateArgs := `{"task":"what is the temperature","targetAgents":["weather"]}`
	parentProvider := &mockProvider{rounds: []scriptedRound{
		toolRound(schema.ToolCall{ID: "d1", Name: DelegateTaskName, Args: json.RawMessage(delegateArgs)}),
		textRound("The weather agent says 42 degrees."),
	}}
	parent := New("supervisor",
		WithProvider(parentProvider),
		WithSubAgents(sub),
		WithEventBus(bus),
	)

	var propagated []events.Event
	bus.Subscribe(events.OperationStarted, func(ev events.Event) {
		if ev.SourceAgentID != "" {
			propagated = append(propagated, ev)
		}
	})

	result, err := parent.GenerateText(context.Background(), Text("how warm is it"), nil)
	require.NoError(t, err)
	assert.Equal(t, "The weather agent says 42 degrees.", result.Text)

	// The delegation tool result carries the sub-agent's answer.
	var toolResult history.Step
	for _, step := range result.Steps {
		if step.Type == history.StepToolResult {
			toolResult = step
		}
	}
	var delegated []struct {
		AgentName string `json:"agentName"`
		Response  string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(toolResult.Result, &delegated))
	require.Len(t, delegated, 1)
	assert.Equal(t, "weather", delegated[0].AgentName)
	assert.Equal(t, "42 degrees", delegated[0].Response)

	// The sub-agent's entry links back to the delegating operation.
	subEntries, err := sub.GetHistory()
	require.NoError(t, err)
	require.Len(t, subEntries, 1)
	assert.Equal(t, "supervisor", subEntries[0].ParentAgentID)
	assert.Equal(t, result.HistoryEntryID, subEntries[0].ParentHistoryEntryID)
	assert.Equal(t, history.StatusCompleted, subEntries[0].Status)

	// The sub-agent's lifecycle event was republished against the parent.
	require.NotEmpty(t, propagated)
	assert.Equal(t, "supervisor", propagated[0].AgentID)
	assert.Equal(t, result.HistoryEntryID, propagated[0].HistoryEntryID)
	assert.Equal(t, "weather", propagated[0].SourceAgentID)
}

func TestDelegationUnknownTargetFails(t *testing.T) {
	parentProvider := &mockProvider{rounds: []scriptedRound{
		toolRound(schema.ToolCall{ID: "d1", Name: DelegateTaskName,
			Args: json.RawMessage(`{"task":"x","targetAgents":["nobody"]}`)}),
		textRound("recovered"),
	}}
	sub := New("known", WithProvider(&mockProvider{rounds: []scriptedRound{textRound("hi")}}))
	parent := New("supervisor", WithProvider(parentProvider), WithSubAgents(sub))

	result, err := parent.GenerateText(context.Background(), Text("go"), nil)
	require.NoError(t, err)

	var toolResult history.Step
	for _, step := range result.Steps {
		if step.Type == history.StepToolResult {
			toolResult = step
		}
	}
	assert.Contains(t, toolResult.Error, "not a sub-agent")
	assert.Equal(t, "recovered", result.Text)
}

func TestAddRemoveSubAgent(t *testing.T) {
	a := New("root")
	sub := New("child")

	a.AddSubAgent(sub)
	require.Len(t, a.SubAgents(), 1)

	names := make([]string, 0)
	for _, tool := range a.GetTools() {
		names = append(names, tool.Name())
	}
	assert.Contains(t, names, DelegateTaskName)

	a.RemoveSubAgent("child")
	assert.Empty(t, a.SubAgents())
	assert.Empty(t, a.GetTools())
}

func TestDelegateToolSchema(t *testing.T) {
	a := New("root")
	a.AddSubAgent(New("weather"))
	a.AddSubAgent(New("news"))

	var delegate Tool
	for _, tool := range a.GetTools() {
		if tool.Name() == DelegateTaskName {
			delegate = tool
		}
	}
	require.NotNil(t, delegate)

	params := delegate.Schema()
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"task", "targetAgents"}, params["required"])

	props := params["properties"].(map[string]any)
	targets := props["targetAgents"].(map[string]any)
	items := targets["items"].(map[string]any)
	assert.ElementsMatch(t, []string{"weather", "news"}, items["enum"])
}
