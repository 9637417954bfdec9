// Package llm defines the model provider contract consumed by the generation
// engine, plus the litellm-backed default adapter.
package llm

import (
	"context"
	"time"

	"github.com/voocel/litellm"

	"github.com/voocel/agentrun/schema"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ResponseFormat constrains the model output shape.
// Type is one of "text", "json_object", "json_schema".
type ResponseFormat struct {
	Type   string         `json:"type"`
	Schema map[string]any `json:"json_schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

// Request encapsulates a single provider round.
type Request struct {
	Model          string                 `json:"model"`
	Messages       []schema.Message       `json:"messages"`
	Tools          []ToolSpec             `json:"tools,omitempty"`
	Temperature    *float64               `json:"temperature,omitempty"`
	MaxTokens      *int                   `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat        `json:"response_format,omitempty"`
	Options        map[string]interface{} `json:"options,omitempty"` // provider-specific, passed through opaquely
}

// Response is the provider's answer to one round.
type Response struct {
	Message      schema.Message `json:"message"`
	Usage        schema.Usage   `json:"usage"`
	FinishReason string         `json:"finish_reason"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
}

// StreamEventType tags provider stream events.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event on a provider stream. Token events carry a text
// delta; the done event carries the final assembled response (including any
// tool calls and usage); the error event terminates the stream.
type StreamEvent struct {
	Type     StreamEventType
	Delta    string
	Response *Response
	Err      error
}

// Provider is the round-based model contract. A provider performs exactly one
// model round per call; the multi-step tool loop is driven by the caller.
type Provider interface {
	// Generate performs one blocking model round.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream performs one model round, emitting token deltas as they
	// arrive. The channel is closed after a done or error event.
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamEvent, error)

	// ModelID returns the canonical identifier for a model handle.
	ModelID(model string) string
}

// IsRetryable reports whether a provider error is transient (rate limit,
// gateway errors) and worth retrying.
func IsRetryable(err error) bool {
	return litellm.IsRetryableError(err)
}

// RetryAfter returns the provider-suggested wait before retrying, or zero.
func RetryAfter(err error) time.Duration {
	if after := litellm.GetRetryAfter(err); after > 0 {
		return time.Duration(after) * time.Second
	}
	return 0
}
