package schema

import (
	"encoding/json"
	"time"
)

// Role defines message roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents one chat message exchanged with a model provider.
type Message struct {
	ID         string                 `json:"id,omitempty"`
	Role       Role                   `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// ToolCall represents a tool invocation request emitted by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult represents the outcome of one tool invocation, normalized to
// either a JSON content payload or an error message.
type ToolResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsError reports whether the result carries an error instead of content.
func (r ToolResult) IsError() bool { return r.Error != "" }

// Usage is the token accounting triple reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// ToolResultMessage builds a tool-role message carrying one tool result.
func ToolResultMessage(result ToolResult) Message {
	content := string(result.Content)
	if result.Error != "" {
		content = result.Error
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: result.ID,
		Name:       result.Name,
		Metadata:   map[string]interface{}{"is_error": result.IsError()},
		Timestamp:  time.Now(),
	}
}

// HasToolCalls reports whether tool calls are present.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Clone deep-copies the message.
func (m *Message) Clone() *Message {
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// CopyMessages returns a shallow copy of the slice.
func CopyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
