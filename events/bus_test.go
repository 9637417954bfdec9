package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(ToolStarted, func(ev Event) { order = append(order, "first") })
	bus.Subscribe(ToolStarted, func(ev Event) { order = append(order, "second") })
	bus.Subscribe(Wildcard, func(ev Event) { order = append(order, "wildcard") })

	bus.Publish(Event{Name: ToolStarted, Type: TypeTool, AgentID: "a1"})

	assert.Equal(t, []string{"first", "second", "wildcard"}, order)
}

func TestBusFillsIDAndTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(OperationStarted, func(ev Event) { got = ev })
	bus.Publish(Event{Name: OperationStarted, Type: TypeAgent, AgentID: "a1"})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	off := bus.Subscribe(ToolStarted, func(ev Event) { calls++ })
	bus.Publish(Event{Name: ToolStarted, Type: TypeTool})
	off()
	bus.Publish(Event{Name: ToolStarted, Type: TypeTool})

	assert.Equal(t, 1, calls)
}

func TestBusCounts(t *testing.T) {
	bus := NewBus()

	bus.Publish(Event{Name: ToolStarted, Type: TypeTool})
	bus.Publish(Event{Name: ToolStarted, Type: TypeTool})
	bus.Publish(Event{Name: ToolCompleted, Type: TypeTool})

	assert.Equal(t, uint64(2), bus.Count(ToolStarted))
	assert.Equal(t, uint64(1), bus.Count(ToolCompleted))
	assert.Equal(t, uint64(0), bus.Count(ToolFailed))
}

func TestBusHierarchicalPropagation(t *testing.T) {
	bus := NewBus()

	var seen []Event
	bus.Subscribe(ToolStarted, func(ev Event) { seen = append(seen, ev) })

	bus.Publish(Event{
		Name:                 ToolStarted,
		Type:                 TypeTool,
		AgentID:              "child",
		HistoryEntryID:       "h-child",
		ParentAgentID:        "parent",
		ParentHistoryEntryID: "h-parent",
	})

	require.Len(t, seen, 2)

	child := seen[0]
	assert.Equal(t, "child", child.AgentID)
	assert.Equal(t, "h-child", child.HistoryEntryID)

	parent := seen[1]
	assert.Equal(t, "parent", parent.AgentID)
	assert.Equal(t, "h-parent", parent.HistoryEntryID)
	assert.Equal(t, "child", parent.SourceAgentID)
	assert.Empty(t, parent.ParentAgentID)
	assert.NotEqual(t, child.ID, parent.ID)
}

func TestBusNoPropagationForMemoryEvents(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(MemoryWriteFailed, func(ev Event) { count++ })

	bus.Publish(Event{
		Name:                 MemoryWriteFailed,
		Type:                 TypeMemory,
		AgentID:              "child",
		ParentAgentID:        "parent",
		ParentHistoryEntryID: "h-parent",
	})

	assert.Equal(t, 1, count)
}

func TestBusStream(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bus.Stream(ctx, ToolStarted)
	require.NoError(t, err)

	bus.Publish(Event{Name: ToolStarted, Type: TypeTool, AgentID: "a1"})
	bus.Publish(Event{Name: ToolCompleted, Type: TypeTool, AgentID: "a1"})

	select {
	case ev := <-stream:
		assert.Equal(t, ToolStarted, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected a streamed event")
	}

	select {
	case ev := <-stream:
		t.Fatalf("unexpected event %q", ev.Name)
	default:
	}
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(Wildcard, func(ev Event) { calls++ })
	bus.Close()
	bus.Publish(Event{Name: ToolStarted, Type: TypeTool})

	assert.Equal(t, 0, calls)
}
