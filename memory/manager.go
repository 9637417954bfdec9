package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voocel/agentrun/events"
	"github.com/voocel/agentrun/history"
	"github.com/voocel/agentrun/schema"
)

// OpMeta identifies the operation on whose behalf the manager acts; it is
// attached to the memory events the manager publishes.
type OpMeta struct {
	AgentID        string
	HistoryEntryID string
}

// Manager mediates between the generation engine and a Backend. It only
// engages when a user id is present on the call; otherwise every method is
// a no-op. Storage failures never fail the operation: they are logged,
// published as memory events, and generation continues without memory.
type Manager struct {
	backend Backend
	bus     *events.Bus
	logger  *slog.Logger
}

// NewManager wires a backend to the event bus. A nil backend disables the
// manager.
func NewManager(backend Backend, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, bus: bus, logger: logger.With("component", "memory")}
}

// Enabled reports whether a backend is configured.
func (m *Manager) Enabled() bool { return m != nil && m.backend != nil }

// PrepareContext resolves the conversation, loads up to limit prior messages,
// persists the new input, and returns the prior window plus the final
// conversation id. The returned window never includes the input itself.
func (m *Manager) PrepareContext(ctx context.Context, meta OpMeta, input []schema.Message, userID, conversationID string, limit int) ([]schema.Message, string, error) {
	if !m.Enabled() || userID == "" {
		return nil, conversationID, nil
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	m.emit(meta, events.MemoryReadStarted, "running", map[string]interface{}{
		"conversationId": conversationID,
	})

	if _, err := m.backend.GetConversation(ctx, conversationID); err != nil {
		conv := Conversation{
			ID:         conversationID,
			ResourceID: meta.AgentID,
			UserID:     userID,
			Title:      "New Chat " + time.Now().Format("2006-01-02 15:04:05"),
		}
		if _, err := m.backend.CreateConversation(ctx, conv); err != nil {
			m.fail(meta, events.MemoryWriteFailed, conversationID, err)
			return nil, conversationID, nil
		}
	}

	window, err := m.backend.GetMessages(ctx, userID, conversationID, limit)
	if err != nil {
		m.fail(meta, events.MemoryReadCompleted, conversationID, err)
		window = nil
	}

	prior := make([]schema.Message, 0, len(window))
	for _, msg := range window {
		prior = append(prior, schema.Message{
			ID:        msg.ID,
			Role:      schema.Role(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.CreatedAt,
		})
	}

	m.emit(meta, events.MemoryReadCompleted, "completed", map[string]interface{}{
		"conversationId": conversationID,
		"messageCount":   len(prior),
	})

	for _, msg := range input {
		stored := Message{
			ID:      msg.ID,
			Role:    string(msg.Role),
			Content: msg.Content,
			Type:    MessageText,
		}
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if err := m.backend.AddMessage(ctx, userID, conversationID, stored); err != nil {
			m.fail(meta, events.MemoryWriteFailed, conversationID, err)
			break
		}
	}

	return prior, conversationID, nil
}

// StepHandler returns a callback that persists generation steps as they
// complete. Text steps are stored as assistant messages; tool calls and
// results keep their payload as content.
func (m *Manager) StepHandler(meta OpMeta, userID, conversationID string) func(context.Context, history.Step) {
	if !m.Enabled() || userID == "" {
		return func(context.Context, history.Step) {}
	}
	return func(ctx context.Context, step history.Step) {
		msg := Message{ID: uuid.NewString()}
		switch step.Type {
		case history.StepText:
			msg.Role = string(schema.RoleAssistant)
			msg.Content = step.Text
			msg.Type = MessageText
		case history.StepToolCall:
			msg.Role = string(schema.RoleAssistant)
			msg.Content = fmt.Sprintf(`{"toolCallId":%q,"toolName":%q,"arguments":%s}`,
				step.ToolCallID, step.ToolName, rawOrNull(step.Arguments))
			msg.Type = MessageToolCall
		case history.StepToolResult:
			msg.Role = string(schema.RoleTool)
			msg.Content = fmt.Sprintf(`{"toolCallId":%q,"toolName":%q,"result":%s,"error":%q}`,
				step.ToolCallID, step.ToolName, rawOrNull(step.Result), step.Error)
			msg.Type = MessageToolResult
		default:
			return
		}

		m.emit(meta, events.MemoryWriteStarted, "running", map[string]interface{}{
			"conversationId": conversationID,
			"messageType":    string(msg.Type),
		})
		if err := m.backend.AddMessage(ctx, userID, conversationID, msg); err != nil {
			m.fail(meta, events.MemoryWriteFailed, conversationID, err)
			return
		}
		m.emit(meta, events.MemoryWriteCompleted, "completed", map[string]interface{}{
			"conversationId": conversationID,
			"messageType":    string(msg.Type),
		})
	}
}

func (m *Manager) emit(meta OpMeta, name, status string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Name:           name,
		Type:           events.TypeMemory,
		AgentID:        meta.AgentID,
		HistoryEntryID: meta.HistoryEntryID,
		Status:         status,
		Data:           data,
	})
}

func (m *Manager) fail(meta OpMeta, name, conversationID string, err error) {
	m.logger.Warn("memory operation failed", "conversationId", conversationID, "error", err)
	m.emit(meta, name, "error", map[string]interface{}{
		"conversationId": conversationID,
		"error":          err.Error(),
	})
}

func rawOrNull(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
