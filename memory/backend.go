// Package memory persists conversation state across operations and exposes
// the Manager the generation engine uses to prepare context and record
// progress.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MessageType classifies a stored conversation message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageToolCall   MessageType = "tool-call"
	MessageToolResult MessageType = "tool-result"
)

// Message is one persisted conversation message.
type Message struct {
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Conversation groups messages under a user and resource.
type Conversation struct {
	ID         string                 `json:"id"`
	ResourceID string                 `json:"resourceId"`
	UserID     string                 `json:"userId"`
	Title      string                 `json:"title"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// ConversationUpdate is a partial update; nil fields are untouched.
type ConversationUpdate struct {
	Title    *string
	Metadata map[string]interface{}
}

var (
	ErrConversationNotFound = errors.New("memory: conversation not found")
	ErrStorageUnavailable   = errors.New("memory: storage unavailable")
)

// Backend is the pluggable persistence contract. Implementations must return
// messages in ascending creation order.
type Backend interface {
	AddMessage(ctx context.Context, userID, conversationID string, msg Message) error
	GetMessages(ctx context.Context, userID, conversationID string, limit int) ([]Message, error)
	ClearMessages(ctx context.Context, userID, conversationID string) error

	CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

type userConversation struct {
	userID         string
	conversationID string
}

// InMemory is the reference Backend. Messages are kept in insertion order
// per user/conversation pair.
type InMemory struct {
	mu            sync.RWMutex
	messages      map[userConversation][]Message
	conversations map[string]*Conversation
}

// NewInMemory creates an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{
		messages:      make(map[userConversation][]Message),
		conversations: make(map[string]*Conversation),
	}
}

// AddMessage implements Backend.
func (m *InMemory) AddMessage(_ context.Context, userID, conversationID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	key := userConversation{userID: userID, conversationID: conversationID}
	m.messages[key] = append(m.messages[key], msg)

	if conv, ok := m.conversations[conversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

// GetMessages implements Backend. A non-positive limit returns everything;
// otherwise the most recent limit messages are returned, still ascending.
func (m *InMemory) GetMessages(_ context.Context, userID, conversationID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[userConversation{userID: userID, conversationID: conversationID}]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// ClearMessages implements Backend.
func (m *InMemory) ClearMessages(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, userConversation{userID: userID, conversationID: conversationID})
	return nil
}

// CreateConversation implements Backend.
func (m *InMemory) CreateConversation(_ context.Context, conv Conversation) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	stored := conv
	m.conversations[conv.ID] = &stored
	result := stored
	return &result, nil
}

// GetConversation implements Backend.
func (m *InMemory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	result := *conv
	return &result, nil
}

// UpdateConversation implements Backend.
func (m *InMemory) UpdateConversation(_ context.Context, id string, update ConversationUpdate) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if update.Title != nil {
		conv.Title = *update.Title
	}
	if update.Metadata != nil {
		conv.Metadata = update.Metadata
	}
	conv.UpdatedAt = time.Now()
	result := *conv
	return &result, nil
}

// DeleteConversation implements Backend. Messages belonging to the
// conversation are removed with it.
func (m *InMemory) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conversations, id)
	for key := range m.messages {
		if key.conversationID == id {
			delete(m.messages, key)
		}
	}
	return nil
}

var _ Backend = (*InMemory)(nil)
