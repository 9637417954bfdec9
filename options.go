package agentrun

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/voocel/agentrun/events"
	"github.com/voocel/agentrun/guardrail"
	"github.com/voocel/agentrun/history"
	"github.com/voocel/agentrun/llm"
	"github.com/voocel/agentrun/memory"
	"github.com/voocel/agentrun/retriever"
	"github.com/voocel/agentrun/schema"
)

const (
	defaultMaxSteps      = 25
	defaultMaxRetries    = 3
	defaultMaxToolErrors = 3
	defaultContextLimit  = 10
)

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithName sets the display name (defaults to the agent id).
func WithName(name string) Option {
	return func(a *Agent) { a.name = name }
}

// WithPurpose sets a short description used when the agent is offered as a
// sub-agent target.
func WithPurpose(purpose string) Option {
	return func(a *Agent) { a.purpose = purpose }
}

// WithProvider sets the model provider.
func WithProvider(p llm.Provider) Option {
	return func(a *Agent) { a.provider = p }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(a *Agent) { a.model = model }
}

// WithInstructions sets the base system instructions.
func WithInstructions(instructions string) Option {
	return func(a *Agent) { a.instructions = instructions }
}

// WithTools registers tools.
func WithTools(tools ...Tool) Option {
	return func(a *Agent) { a.tools = append(a.tools, tools...) }
}

// WithToolkits registers toolkits; their tools become available and their
// instructions join the system prompt when AddInstructions is set.
func WithToolkits(toolkits ...Toolkit) Option {
	return func(a *Agent) { a.toolkits = append(a.toolkits, toolkits...) }
}

// WithHistoryStore sets the history store (defaults to in-memory).
func WithHistoryStore(store history.Store) Option {
	return func(a *Agent) { a.historyStore = store }
}

// WithMemory enables conversation memory on the given backend.
func WithMemory(backend memory.Backend) Option {
	return func(a *Agent) { a.memoryBackend = backend }
}

// WithEventBus sets the event bus (defaults to a private bus).
func WithEventBus(bus *events.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithTracer sets the otel tracer used for operation and tool spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Agent) { a.tracer = tracer }
}

// WithInputGuardrails registers input guardrails, run in order.
func WithInputGuardrails(guards ...guardrail.InputGuardrail) Option {
	return func(a *Agent) { a.inputGuards = append(a.inputGuards, guards...) }
}

// WithOutputGuardrails registers output guardrails, run in order.
func WithOutputGuardrails(guards ...guardrail.OutputGuardrail) Option {
	return func(a *Agent) { a.outputGuards = append(a.outputGuards, guards...) }
}

// WithRetriever enables retrieval augmentation.
func WithRetriever(r retriever.Retriever) Option {
	return func(a *Agent) { a.retriever = r }
}

// WithSubAgents registers delegation targets.
func WithSubAgents(agents ...*Agent) Option {
	return func(a *Agent) { a.subAgents = append(a.subAgents, agents...) }
}

// WithRegistry attaches the agent to a registry on construction.
func WithRegistry(registry *Registry) Option {
	return func(a *Agent) { a.registry = registry }
}

// WithMaxSteps caps generation rounds per operation (default 25).
func WithMaxSteps(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithMaxRetries caps provider retries per round (default 3).
func WithMaxRetries(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxRetries = n
		}
	}
}

// WithMaxToolErrors sets how many consecutive failures trip a tool's
// circuit breaker (default 3).
func WithMaxToolErrors(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxToolErrors = n
		}
	}
}

// WithHooks sets lifecycle hooks.
func WithHooks(hooks Hooks) Option {
	return func(a *Agent) { a.hooks = hooks }
}

// WithMarkdown asks the model to format responses as Markdown.
func WithMarkdown() Option {
	return func(a *Agent) { a.markdown = true }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = &t }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = &n }
}

// Input is what an operation generates from: plain text or a message list.
type Input struct {
	text     string
	messages []schema.Message
}

// Text makes a plain-text input.
func Text(s string) Input { return Input{text: s} }

// Messages makes a message-list input.
func Messages(msgs ...schema.Message) Input { return Input{messages: msgs} }

// IsMessages reports whether the input is a message list.
func (in Input) IsMessages() bool { return in.messages != nil }

// GenerateOptions are per-call options; the zero value is valid.
type GenerateOptions struct {
	// UserID enables memory for this call.
	UserID string
	// ConversationID selects the conversation; empty creates a new one.
	ConversationID string
	// ContextLimit caps how many prior memory messages are loaded
	// (default 10).
	ContextLimit int
	// MaxSteps overrides the agent's round cap for this call.
	MaxSteps int
	// ParentAgentID and ParentHistoryEntryID link a sub-agent operation
	// to the delegating operation.
	ParentAgentID        string
	ParentHistoryEntryID string
	// UserContext is caller-owned data carried through the operation and
	// into tool executions.
	UserContext map[string]interface{}
	// Signal aborts the operation when done, independently of the call
	// context.
	Signal context.Context
	// Provider passes provider-specific overrides (temperature,
	// maxTokens, model).
	Provider map[string]interface{}

	// OnStepFinish runs serially after each persisted step.
	OnStepFinish func(step history.Step)
	// OnChunk runs for each emitted stream part (streaming operations).
	OnChunk func(part schema.StreamPart)
	// OnFinish runs once after the operation completes successfully.
	OnFinish func(result *GenerateResult)
	// OnError runs once if the operation fails.
	OnError func(err error)
}

func (o *GenerateOptions) contextLimit() int {
	if o == nil || o.ContextLimit <= 0 {
		return defaultContextLimit
	}
	return o.ContextLimit
}
