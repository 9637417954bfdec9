// Package events provides the in-process event bus the execution core
// publishes operation, tool, memory, and retriever lifecycle events on.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the subsystem an event originates from.
type EventType string

const (
	TypeAgent     EventType = "agent"
	TypeTool      EventType = "tool"
	TypeMemory    EventType = "memory"
	TypeRetriever EventType = "retriever"
	TypeOperation EventType = "operation"
	TypeSystem    EventType = "system"
)

// Standard event names.
const (
	OperationStarted   = "operation:started"
	OperationCompleted = "operation:completed"
	OperationFailed    = "operation:failed"
	OperationCancelled = "operation:cancelled"

	ToolStarted   = "tool:started"
	ToolCompleted = "tool:completed"
	ToolFailed    = "tool:failed"

	MemoryReadStarted    = "memory:read_start"
	MemoryReadCompleted  = "memory:read_complete"
	MemoryWriteStarted   = "memory:write_start"
	MemoryWriteCompleted = "memory:write_complete"
	MemoryWriteFailed    = "memory:write_failed"

	RetrieverStarted   = "retriever:started"
	RetrieverCompleted = "retriever:completed"
	RetrieverFailed    = "retriever:failed"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Event is a single lifecycle event. Parent ids are set when the emitting
// operation runs as a sub-agent of another operation; the bus then republishes
// the event against the parent's history entry with SourceAgentID preserved.
type Event struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	Type                 EventType              `json:"type"`
	AgentID              string                 `json:"agentId"`
	HistoryEntryID       string                 `json:"historyEntryId,omitempty"`
	ParentAgentID        string                 `json:"parentAgentId,omitempty"`
	ParentHistoryEntryID string                 `json:"parentHistoryEntryId,omitempty"`
	SourceAgentID        string                 `json:"sourceAgentId,omitempty"`
	Status               string                 `json:"status,omitempty"`
	Data                 map[string]interface{} `json:"data,omitempty"`
	Timestamp            time.Time              `json:"timestamp"`
}

// Handler receives a published event. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Handler func(ev Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe bus. Handler delivery is synchronous
// and ordered; channel streams obtained via Stream are best-effort and drop
// events when their buffer is full.
type Bus struct {
	mu      sync.RWMutex
	nextSub uint64
	subs    map[string][]subscription
	counts  map[string]uint64
	streams map[string]*streamSub
	closed  bool
}

type streamSub struct {
	ch    chan Event
	names map[string]bool
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]subscription),
		counts:  make(map[string]uint64),
		streams: make(map[string]*streamSub),
	}
}

// Subscribe registers a handler for the given event name (or Wildcard for
// all events) and returns an unsubscribe function.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s.id == id {
				b.subs[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to all matching handlers synchronously, in
// subscription order, then to channel streams. Events of type agent or tool
// carrying parent ids are additionally republished against the parent
// operation, one level up, with SourceAgentID marking the true origin.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.deliver(ev)

	if (ev.Type == TypeAgent || ev.Type == TypeTool) && ev.ParentAgentID != "" && ev.ParentHistoryEntryID != "" {
		up := ev
		up.ID = uuid.NewString()
		if up.SourceAgentID == "" {
			up.SourceAgentID = ev.AgentID
		}
		up.AgentID = ev.ParentAgentID
		up.HistoryEntryID = ev.ParentHistoryEntryID
		// One level only; the parent may itself be a sub-agent, but its
		// ids are not known here.
		up.ParentAgentID = ""
		up.ParentHistoryEntryID = ""
		b.deliver(up)
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.counts[ev.Name]++
	handlers := make([]subscription, 0, len(b.subs[ev.Name])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[ev.Name]...)
	handlers = append(handlers, b.subs[Wildcard]...)
	streams := make([]*streamSub, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range handlers {
		s.handler(ev)
	}

	for _, s := range streams {
		if s.names != nil && !s.names[ev.Name] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Stream consumers that fall behind lose events.
		}
	}
}

// Count reports how many events with the given name have been published.
func (b *Bus) Count(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[name]
}

// Stream returns a channel view of matching events (all events when no names
// are given). The channel is buffered; events are dropped rather than block
// the publisher. The stream closes when ctx is done or the bus closes.
func (b *Bus) Stream(ctx context.Context, names ...string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("events: bus is closed")
	}

	var nameSet map[string]bool
	if len(names) > 0 {
		nameSet = make(map[string]bool, len(names))
		for _, n := range names {
			nameSet[n] = true
		}
	}

	id := uuid.NewString()
	sub := &streamSub{ch: make(chan Event, 128), names: nameSet}
	b.streams[id] = sub

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// Close shuts the bus down. Further publishes are dropped and all streams
// are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.streams {
		delete(b.streams, id)
		close(s.ch)
	}
	b.subs = make(map[string][]subscription)
}
