package schema

// StreamPartType tags a typed chunk on the full stream.
type StreamPartType string

const (
	PartTextStart  StreamPartType = "text-start"
	PartTextDelta  StreamPartType = "text-delta"
	PartToolCall   StreamPartType = "tool-call"
	PartToolResult StreamPartType = "tool-result"
	PartFinish     StreamPartType = "finish"
	PartError      StreamPartType = "error"
)

// StreamPart is one typed chunk emitted on a full stream. Exactly the fields
// relevant to Type are populated.
type StreamPart struct {
	Type StreamPartType `json:"type"`

	// text-start / text-delta
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"` // accumulated text so far

	// tool-call / tool-result
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// finish
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// error
	Err error `json:"-"`
}
