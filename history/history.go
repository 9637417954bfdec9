// Package history records one entry per agent operation: the inputs, the
// evolving status and output, the ordered steps of generation, and the
// timeline events observed while the operation ran.
package history

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/voocel/agentrun/schema"
)

// Status is the lifecycle status of a history entry.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// StepType classifies a generation step.
type StepType string

const (
	StepText       StepType = "text"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepMessage    StepType = "message"
)

// Step is one unit of generation progress: an assistant text round, a tool
// call, or a tool result.
type Step struct {
	Type       StepType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	Role       schema.Role     `json:"role,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TrackedEventKey is the Data key linking a timeline event to the bus event
// that created it, used to resolve later updates.
const TrackedEventKey = "_trackedEventId"

// TimelineEvent is a bus event persisted onto a history entry.
type TimelineEvent struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Status         string                 `json:"status,omitempty"`
	AffectedNodeID string                 `json:"affectedNodeId,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	UpdatedAt      time.Time              `json:"updatedAt,omitempty"`
}

// Entry is the persistent record of one operation.
type Entry struct {
	ID                   string                 `json:"id"`
	AgentID              string                 `json:"agentId"`
	Sequence             uint64                 `json:"sequence"`
	Status               Status                 `json:"status"`
	Input                string                 `json:"input,omitempty"`
	InputMessages        []schema.Message       `json:"inputMessages,omitempty"`
	Output               string                 `json:"output,omitempty"`
	Usage                *schema.Usage          `json:"usage,omitempty"`
	Steps                []Step                 `json:"steps,omitempty"`
	Events               []TimelineEvent        `json:"events,omitempty"`
	ParentAgentID        string                 `json:"parentAgentId,omitempty"`
	ParentHistoryEntryID string                 `json:"parentHistoryEntryId,omitempty"`
	UserContext          map[string]interface{} `json:"userContext,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// EntryUpdate is a partial update to an entry; nil fields are untouched.
type EntryUpdate struct {
	Status *Status
	Output *string
	Usage  *schema.Usage
}

// EventUpdate mutates a persisted timeline event in place.
type EventUpdate struct {
	Status string
	Data   map[string]interface{}
}

var (
	ErrDuplicateEntry     = errors.New("history: duplicate entry id")
	ErrNotFound           = errors.New("history: not found")
	ErrStorageUnavailable = errors.New("history: storage unavailable")
)

// Store persists history entries. Implementations must keep per-entry step
// and event ordering and assign strictly increasing sequence numbers across
// all entries.
type Store interface {
	// AddEntry persists a new entry. Adding an id that already exists
	// returns ErrDuplicateEntry.
	AddEntry(entry *Entry) error

	// GetEntry returns a copy of the entry.
	GetEntry(id string) (*Entry, error)

	// UpdateEntry applies a partial update and bumps UpdatedAt.
	UpdateEntry(id string, update EntryUpdate) (*Entry, error)

	// AppendStep appends steps in order to the entry.
	AppendStep(id string, steps ...Step) error

	// AppendEvent appends a timeline event to the entry.
	AppendEvent(id string, event TimelineEvent) error

	// UpdateTrackedEvent updates the first event whose ID, or whose
	// Data[TrackedEventKey], equals eventID. Returns ErrNotFound without
	// mutating when no event matches.
	UpdateTrackedEvent(id string, eventID string, update EventUpdate) error

	// EntriesFor returns copies of the agent's entries in creation order.
	EntriesFor(agentID string) ([]*Entry, error)

	// Clear removes all of the agent's entries, cascading to their steps
	// and events.
	Clear(agentID string) error
}
