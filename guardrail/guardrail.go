// Package guardrail validates and transforms agent inputs and outputs. Input
// guardrails run before generation, output guardrails after it, and output
// guardrails that also implement StreamHandler participate in incremental
// stream scrubbing with bounded hold-back windows.
package guardrail

import (
	"context"
	"fmt"

	"github.com/voocel/agentrun/schema"
)

// Severity indicates how serious a guardrail violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action is a guardrail's verdict on the inspected payload.
type Action string

const (
	ActionPass   Action = "pass"
	ActionModify Action = "modify"
	ActionBlock  Action = "block"
)

// Meta identifies a guardrail.
type Meta struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
}

// InputPayload is what an input guardrail inspects. Messages is nil for
// plain-text input; when it is set, modifications must go through
// ModifiedMessages.
type InputPayload struct {
	Text     string
	Messages []schema.Message
}

// InputResult is an input guardrail's verdict.
type InputResult struct {
	Action           Action
	ModifiedText     string
	ModifiedMessages []schema.Message
	Message          string
}

// OutputPayload is what an output guardrail inspects. Output is the current
// (possibly already modified) text; Original is the untouched model output.
type OutputPayload struct {
	Output   string
	Original string
}

// OutputResult is an output guardrail's verdict.
type OutputResult struct {
	Action         Action
	ModifiedOutput string
	Message        string
}

// InputGuardrail inspects input before generation.
type InputGuardrail interface {
	Meta() Meta
	CheckInput(ctx context.Context, payload InputPayload) (InputResult, error)
}

// OutputGuardrail inspects output after generation.
type OutputGuardrail interface {
	Meta() Meta
	CheckOutput(ctx context.Context, payload OutputPayload) (OutputResult, error)
}

// Blocked is returned when a guardrail rejects the payload.
type Blocked struct {
	GuardrailID string
	Phase       string // "input", "output", or "stream"
	Message     string
}

func (e *Blocked) Error() string {
	return fmt.Sprintf("guardrail %q blocked %s: %s", e.GuardrailID, e.Phase, e.Message)
}

// InputFunc adapts a function into an InputGuardrail.
func InputFunc(meta Meta, fn func(ctx context.Context, payload InputPayload) (InputResult, error)) InputGuardrail {
	return &inputFunc{meta: meta, fn: fn}
}

// OutputFunc adapts a function into an OutputGuardrail.
func OutputFunc(meta Meta, fn func(ctx context.Context, payload OutputPayload) (OutputResult, error)) OutputGuardrail {
	return &outputFunc{meta: meta, fn: fn}
}

type inputFunc struct {
	meta Meta
	fn   func(ctx context.Context, payload InputPayload) (InputResult, error)
}

func (g *inputFunc) Meta() Meta { return g.meta }
func (g *inputFunc) CheckInput(ctx context.Context, payload InputPayload) (InputResult, error) {
	return g.fn(ctx, payload)
}

type outputFunc struct {
	meta Meta
	fn   func(ctx context.Context, payload OutputPayload) (OutputResult, error)
}

func (g *outputFunc) Meta() Meta { return g.meta }
func (g *outputFunc) CheckOutput(ctx context.Context, payload OutputPayload) (OutputResult, error) {
	return g.fn(ctx, payload)
}
