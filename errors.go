package agentrun

import (
	"errors"
	"fmt"
)

// ErrorCode classifies operation failures.
type ErrorCode string

const (
	CodeGuardrailInputBlocked  ErrorCode = "GUARDRAIL_INPUT_BLOCKED"
	CodeGuardrailOutputBlocked ErrorCode = "GUARDRAIL_OUTPUT_BLOCKED"
	CodeToolExecutionFailed    ErrorCode = "TOOL_EXECUTION_FAILED"
	CodeModelOutputInvalid     ErrorCode = "MODEL_OUTPUT_INVALID"
	CodeProviderError          ErrorCode = "PROVIDER_ERROR"
	CodeCancelled              ErrorCode = "CANCELLED"
	CodeMemoryPersistFailed    ErrorCode = "MEMORY_PERSIST_FAILED"
	CodeHistoryPersistFailed   ErrorCode = "HISTORY_PERSIST_FAILED"
)

var (
	ErrNoProvider        = errors.New("agentrun: no model provider configured")
	ErrToolNotFound      = errors.New("agentrun: tool not found")
	ErrAgentNotFound     = errors.New("agentrun: agent not found")
	ErrOperationInactive = errors.New("agentrun: operation is no longer active")
	ErrDuplicateToolSpan = errors.New("agentrun: tool span already attached for this call")
)

// ToolErrorInfo carries tool identity on tool failures.
type ToolErrorInfo struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

// AgentError is the typed error surfaced by agent operations.
type AgentError struct {
	Code      ErrorCode
	Message   string
	Stage     string
	ToolError *ToolErrorInfo
	Metadata  map[string]interface{}
	Err       error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// NewAgentError builds a typed error for the given stage.
func NewAgentError(code ErrorCode, stage, message string, err error) *AgentError {
	return &AgentError{Code: code, Stage: stage, Message: message, Err: err}
}

// AsAgentError extracts an AgentError from an error chain.
func AsAgentError(err error) (*AgentError, bool) {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
