package agentrun

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/voocel/agentrun/events"
	"github.com/voocel/agentrun/guardrail"
	"github.com/voocel/agentrun/history"
	"github.com/voocel/agentrun/llm"
	"github.com/voocel/agentrun/logger"
	"github.com/voocel/agentrun/memory"
	"github.com/voocel/agentrun/retriever"
	"github.com/voocel/agentrun/schema"
)

// Agent orchestrates generation operations: it owns the provider, tools,
// guardrails, memory, history, and sub-agents, and runs each call as an
// isolated operation with its own context, history entry, and trace.
type Agent struct {
	id           string
	name         string
	purpose      string
	instructions string
	model        string

	provider      llm.Provider
	tools         []Tool
	toolkits      []Toolkit
	historyStore  history.Store
	memoryBackend memory.Backend
	memoryManager *memory.Manager
	bus           *events.Bus
	logger        *slog.Logger
	tracer        trace.Tracer
	inputGuards   []guardrail.InputGuardrail
	outputGuards  []guardrail.OutputGuardrail
	retriever     retriever.Retriever
	registry      *Registry
	hooks         Hooks

	maxSteps      int
	maxRetries    int
	maxToolErrors int
	markdown      bool
	temperature   *float64
	maxTokens     *int

	mu        sync.RWMutex
	subAgents []*Agent
}

// New creates an agent with the given id.
func New(id string, opts ...Option) *Agent {
	a := &Agent{
		id:            id,
		name:          id,
		maxSteps:      defaultMaxSteps,
		maxRetries:    defaultMaxRetries,
		maxToolErrors: defaultMaxToolErrors,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.Default()
	}
	a.logger = a.logger.With("agent", a.id)
	if a.historyStore == nil {
		a.historyStore = history.NewMemoryStore()
	}
	if a.bus == nil {
		a.bus = events.NewBus()
	}
	a.memoryManager = memory.NewManager(a.memoryBackend, a.bus, a.logger)
	if a.registry != nil {
		a.registry.Register(a)
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Name returns the display name.
func (a *Agent) Name() string { return a.name }

// Purpose returns the short description used for delegation.
func (a *Agent) Purpose() string {
	if a.purpose == "" {
		return "A helpful assistant"
	}
	return a.purpose
}

// Bus returns the agent's event bus.
func (a *Agent) Bus() *events.Bus { return a.bus }

// AddSubAgent registers a delegation target.
func (a *Agent) AddSubAgent(sub *Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subAgents = append(a.subAgents, sub)
}

// RemoveSubAgent removes a delegation target by id.
func (a *Agent) RemoveSubAgent(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, sub := range a.subAgents {
		if sub.ID() == id {
			a.subAgents = append(a.subAgents[:i], a.subAgents[i+1:]...)
			return
		}
	}
}

// SubAgents returns the current delegation targets.
func (a *Agent) SubAgents() []*Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Agent(nil), a.subAgents...)
}

// GetTools returns every tool the model can call: registered tools, toolkit
// tools, and the delegation tool when sub-agents exist.
func (a *Agent) GetTools() []Tool {
	tools := append([]Tool(nil), a.tools...)
	for _, tk := range a.toolkits {
		tools = append(tools, tk.Tools...)
	}
	if len(a.SubAgents()) > 0 {
		tools = append(tools, a.newDelegateTool())
	}
	return tools
}

func (a *Agent) toolSet() map[string]Tool {
	set := make(map[string]Tool)
	for _, tool := range a.GetTools() {
		set[tool.Name()] = tool
	}
	return set
}

// GetHistory returns the agent's history entries in creation order.
func (a *Agent) GetHistory() ([]*history.Entry, error) {
	return a.historyStore.EntriesFor(a.id)
}

// ClearHistory removes the agent's history entries with their steps and
// events.
func (a *Agent) ClearHistory() error {
	return a.historyStore.Clear(a.id)
}

// AgentState is an introspection snapshot.
type AgentState struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Purpose    string       `json:"purpose"`
	Model      string       `json:"model"`
	Status     string       `json:"status"`
	EntryCount int          `json:"entryCount"`
	ToolNames  []string     `json:"toolNames"`
	SubAgents  []AgentState `json:"subAgents,omitempty"`
}

// GetFullState returns the agent's state including sub-agents.
func (a *Agent) GetFullState() AgentState {
	entries, _ := a.GetHistory()
	status := string(history.StatusIdle)
	if len(entries) > 0 {
		status = string(entries[len(entries)-1].Status)
	}
	var toolNames []string
	for _, tool := range a.GetTools() {
		toolNames = append(toolNames, tool.Name())
	}
	state := AgentState{
		ID:         a.id,
		Name:       a.name,
		Purpose:    a.Purpose(),
		Model:      a.model,
		Status:     status,
		EntryCount: len(entries),
		ToolNames:  toolNames,
	}
	for _, sub := range a.SubAgents() {
		state.SubAgents = append(state.SubAgents, sub.GetFullState())
	}
	return state
}

// GenerateText runs a non-streaming text operation.
func (a *Agent) GenerateText(ctx context.Context, input Input, opts *GenerateOptions) (*GenerateResult, error) {
	if a.provider == nil {
		return nil, ErrNoProvider
	}
	op := a.newOperation(ctx, opts)

	result, err := a.execute(op, input, nil)
	op.close(result, err)
	return result, err
}

// StreamText runs a streaming text operation. The returned StreamResult
// delivers parts as they pass the guardrail stream pipeline; the blocking
// accessors resolve when the operation ends.
func (a *Agent) StreamText(ctx context.Context, input Input, opts *GenerateOptions) (*StreamResult, error) {
	if a.provider == nil {
		return nil, ErrNoProvider
	}
	op := a.newOperation(ctx, opts)
	op.stream = newStreamResult()
	op.pipeline = guardrail.NewStreamPipeline(a.outputGuards...)

	go func() {
		op.emitPart(schema.StreamPart{Type: schema.PartTextStart, ID: op.oc.OperationID})
		result, err := a.execute(op, input, nil)
		if err != nil {
			op.emitPart(schema.StreamPart{Type: schema.PartError, Err: err})
			op.stream.finish("", op.usage, "error", err)
		} else {
			op.emitPart(schema.StreamPart{
				Type:         schema.PartFinish,
				FinishReason: result.FinishReason,
				Usage:        &result.Usage,
			})
			op.stream.finish(result.Text, result.Usage, result.FinishReason, nil)
		}
		op.close(result, err)
	}()

	return op.stream, nil
}

// GenerateObject runs a single-round operation whose output must satisfy
// the given JSON Schema.
func (a *Agent) GenerateObject(ctx context.Context, input Input, objectSchema map[string]any, opts *GenerateOptions) (*GenerateResult, error) {
	if a.provider == nil {
		return nil, ErrNoProvider
	}
	op := a.newOperation(ctx, opts)

	result, err := a.execute(op, input, objectSchema)
	op.close(result, err)
	return result, err
}

// StreamObject is GenerateObject with a streaming handle. Object output is
// not scrubbed incrementally: deltas are raw and validation happens at the
// end.
func (a *Agent) StreamObject(ctx context.Context, input Input, objectSchema map[string]any, opts *GenerateOptions) (*StreamResult, error) {
	if a.provider == nil {
		return nil, ErrNoProvider
	}
	op := a.newOperation(ctx, opts)
	op.stream = newStreamResult()

	go func() {
		op.emitPart(schema.StreamPart{Type: schema.PartTextStart, ID: op.oc.OperationID})
		result, err := a.execute(op, input, objectSchema)
		if err != nil {
			op.emitPart(schema.StreamPart{Type: schema.PartError, Err: err})
			op.stream.finish("", op.usage, "error", err)
		} else {
			op.emitPart(schema.StreamPart{
				Type:         schema.PartFinish,
				FinishReason: result.FinishReason,
				Usage:        &result.Usage,
			})
			op.stream.finish(result.Text, result.Usage, result.FinishReason, nil)
		}
		op.close(result, err)
	}()

	return op.stream, nil
}

// execute is the shared operation body: prepare, run, and on failure route
// through the operation's failure bookkeeping.
func (a *Agent) execute(op *operation, input Input, objectSchema map[string]any) (*GenerateResult, error) {
	messages, err := op.prepare(input)
	if err != nil {
		return nil, op.fail(err)
	}

	var result *GenerateResult
	if objectSchema != nil {
		result, err = op.runObject(messages, objectSchema)
	} else {
		result, err = op.run(messages)
	}
	if err != nil {
		return nil, op.fail(err)
	}
	return result, nil
}
