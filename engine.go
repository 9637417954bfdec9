package agentrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voocel/agentrun/events"
	"github.com/voocel/agentrun/guardrail"
	"github.com/voocel/agentrun/history"
	"github.com/voocel/agentrun/llm"
	"github.com/voocel/agentrun/memory"
	"github.com/voocel/agentrun/schema"
)

// GenerateResult is the outcome of a completed operation.
type GenerateResult struct {
	Text           string
	Object         json.RawMessage
	Usage          schema.Usage
	FinishReason   string
	Steps          []history.Step
	OperationID    string
	HistoryEntryID string
	ConversationID string
}

// operation drives one generate/stream call: guardrails, memory, the
// provider round loop, tool dispatch, and history/event bookkeeping.
type operation struct {
	agent *Agent
	oc    *OperationContext
	opts  *GenerateOptions

	tools        map[string]Tool
	maxSteps     int
	stepHandler  func(context.Context, history.Step)
	toolFailures map[string]int

	conversationID string
	startedEventID string
	usage          schema.Usage
	steps          []history.Step
	textParts      []string

	stream        *StreamResult
	pipeline      *guardrail.StreamPipeline
	streamTokens  int
	deltasEmitted bool
	signalStop    chan struct{}
}

func (a *Agent) newOperation(ctx context.Context, opts *GenerateOptions) *operation {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	operationID := uuid.NewString()
	oc := NewOperationContext(ctx, operationID, a.id, a.logger)
	oc.HistoryEntryID = uuid.NewString()
	oc.ParentAgentID = opts.ParentAgentID
	oc.ParentHistoryEntryID = opts.ParentHistoryEntryID
	oc.UserContext = opts.UserContext
	oc.Trace = NewTraceContext(oc.Context(), a.tracer, "agent."+a.id, a.id, operationID)

	op := &operation{
		agent:        a,
		oc:           oc,
		opts:         opts,
		tools:        a.toolSet(),
		maxSteps:     a.maxSteps,
		toolFailures: make(map[string]int),
		signalStop:   make(chan struct{}),
	}
	if opts.MaxSteps > 0 {
		op.maxSteps = opts.MaxSteps
	}
	if opts.Signal != nil {
		go func() {
			select {
			case <-opts.Signal.Done():
				oc.Cancel("aborted by signal")
			case <-op.signalStop:
			}
		}()
	}
	return op
}

// prepare creates the history entry, runs input guardrails, loads memory,
// and assembles the provider messages. It moves the entry to working and
// publishes operation:started.
func (op *operation) prepare(input Input) ([]schema.Message, error) {
	a := op.agent

	entry := &history.Entry{
		ID:                   op.oc.HistoryEntryID,
		AgentID:              a.id,
		Status:               history.StatusWorking,
		Input:                input.text,
		InputMessages:        input.messages,
		ParentAgentID:        op.opts.ParentAgentID,
		ParentHistoryEntryID: op.opts.ParentHistoryEntryID,
		UserContext:          op.opts.UserContext,
	}
	if err := a.historyStore.AddEntry(entry); err != nil {
		return nil, NewAgentError(CodeHistoryPersistFailed, "initializing", "failed to persist history entry", err)
	}

	op.startedEventID = op.trackEvent(events.Event{
		Name:   events.OperationStarted,
		Type:   events.TypeAgent,
		Status: "running",
		Data:   map[string]interface{}{"input": input.text},
	})
	if a.hooks.OnStart != nil {
		a.hooks.OnStart(op.oc.Context(), op.oc)
	}

	payload := guardrail.InputPayload{Text: input.text, Messages: input.messages}
	checked, err := guardrail.RunInput(op.oc.Context(), a.inputGuards, payload)
	if err != nil {
		var blocked *guardrail.Blocked
		if errors.As(err, &blocked) {
			return nil, NewAgentError(CodeGuardrailInputBlocked, "preparing", blocked.Message, err)
		}
		return nil, NewAgentError(CodeGuardrailInputBlocked, "preparing", "input guardrail failed", err)
	}
	input.text, input.messages = checked.Text, checked.Messages

	meta := memory.OpMeta{AgentID: a.id, HistoryEntryID: op.oc.HistoryEntryID}
	inputMessages := input.messages
	if inputMessages == nil && input.text != "" {
		inputMessages = []schema.Message{schema.UserMessage(input.text)}
	}
	prior, conversationID, _ := a.memoryManager.PrepareContext(
		op.oc.Context(), meta, inputMessages, op.opts.UserID, op.opts.ConversationID, op.opts.contextLimit())
	op.conversationID = conversationID
	op.stepHandler = a.memoryManager.StepHandler(meta, op.opts.UserID, conversationID)

	retrievalContext := op.retrieve(input)

	messages := make([]schema.Message, 0, len(prior)+len(inputMessages)+1)
	if system := a.buildSystemPrompt(retrievalContext); system != "" {
		messages = append(messages, schema.SystemMessage(system))
	}
	messages = append(messages, prior...)
	messages = append(messages, inputMessages...)
	return messages, nil
}

// retrieve queries the retriever, if configured, and renders the documents.
// Retrieval failures are logged and skipped; they never fail the operation.
func (op *operation) retrieve(input Input) string {
	a := op.agent
	if a.retriever == nil {
		return ""
	}
	query := input.text
	if query == "" {
		for i := len(input.messages) - 1; i >= 0; i-- {
			if input.messages[i].Role == schema.RoleUser {
				query = input.messages[i].Content
				break
			}
		}
	}
	if query == "" {
		return ""
	}

	op.publish(events.Event{Name: events.RetrieverStarted, Type: events.TypeRetriever, Status: "running"})
	docs, err := a.retriever.Retrieve(op.oc.Context(), query)
	if err != nil {
		op.oc.Logger.Warn("retrieval failed", "error", err)
		op.publish(events.Event{
			Name: events.RetrieverFailed, Type: events.TypeRetriever, Status: "error",
			Data: map[string]interface{}{"error": err.Error()},
		})
		return ""
	}
	op.publish(events.Event{
		Name: events.RetrieverCompleted, Type: events.TypeRetriever, Status: "completed",
		Data: map[string]interface{}{"documentCount": len(docs)},
	})

	var sb strings.Builder
	for i, doc := range docs {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		sb.WriteString(doc.Content)
	}
	return sb.String()
}

// run drives provider rounds until a round returns no tool calls or the
// step cap is reached.
func (op *operation) run(messages []schema.Message) (*GenerateResult, error) {
	req := op.buildRequest(messages)

	for round := 0; round < op.maxSteps; round++ {
		if err := op.cancelled(); err != nil {
			return nil, err
		}

		resp, err := op.callProvider(req)
		if err != nil {
			if cerr := op.cancelled(); cerr != nil {
				return nil, cerr
			}
			return nil, op.roundError(err)
		}
		op.usage.Add(resp.Usage)

		if resp.Message.Content != "" {
			op.recordStep(history.Step{Type: history.StepText, Role: schema.RoleAssistant, Text: resp.Message.Content})
			op.textParts = append(op.textParts, resp.Message.Content)
		}

		if !resp.Message.HasToolCalls() {
			return op.complete(resp.FinishReason)
		}

		req.Messages = append(req.Messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			if err := op.cancelled(); err != nil {
				return nil, err
			}
			result := op.runToolCall(call)
			req.Messages = append(req.Messages, schema.ToolResultMessage(result))
		}
	}

	// Step cap reached: surface what was generated so far.
	return op.complete("length")
}

func (op *operation) buildRequest(messages []schema.Message) *llm.Request {
	a := op.agent
	req := &llm.Request{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	for name, tool := range op.tools {
		req.Tools = append(req.Tools, llm.ToolSpec{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	if overrides := op.opts.Provider; overrides != nil {
		if model, ok := overrides["model"].(string); ok && model != "" {
			req.Model = model
		}
		if temp, ok := overrides["temperature"].(float64); ok {
			req.Temperature = &temp
		}
		if mt, ok := overrides["maxTokens"].(int); ok {
			req.MaxTokens = &mt
		}
	}
	return req
}

// roundError classifies a failed provider round. A guardrail abort raised
// inside the stream pipeline keeps its blocked identity; everything else is
// a provider failure.
func (op *operation) roundError(err error) error {
	var blocked *guardrail.Blocked
	if errors.As(err, &blocked) {
		return NewAgentError(CodeGuardrailOutputBlocked, "generating", blocked.Message, err)
	}
	if ae, ok := AsAgentError(err); ok {
		return ae
	}
	return NewAgentError(CodeProviderError, "generating", "provider round failed", err)
}

// callProvider retries transient failures with exponential backoff, capped
// at 30s, honoring provider retry-after hints. A streaming round that has
// already surfaced tokens is never retried: the consumer has seen partial
// output and a replay would duplicate it.
func (op *operation) callProvider(req *llm.Request) (*llm.Response, error) {
	ctx := op.oc.Context()
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= op.agent.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff
			if ra := llm.RetryAfter(lastErr); ra > 0 {
				delay = ra
			}
			op.oc.Logger.Warn("retrying provider call", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		consumedBefore := op.streamTokens
		resp, err := op.providerRound(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			return nil, err
		}
		if op.streamTokens != consumedBefore {
			return nil, err
		}
	}
	return nil, lastErr
}

// providerRound performs one provider call. Streaming operations consume
// the provider stream, pushing redacted deltas to the consumer as they
// arrive; non-streaming operations use a single completion.
func (op *operation) providerRound(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if op.stream == nil {
		return op.agent.provider.Generate(ctx, req)
	}

	eventCh, err := op.agent.provider.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp *llm.Response
	for ev := range eventCh {
		switch ev.Type {
		case llm.StreamEventToken:
			if ev.Delta == "" {
				continue
			}
			op.streamTokens++
			out := ev.Delta
			if op.pipeline != nil {
				var perr error
				out, perr = op.pipeline.ProcessPart(ctx, ev.Delta)
				if perr != nil {
					return nil, perr
				}
			}
			if out != "" {
				op.deltasEmitted = true
				op.emitPart(schema.StreamPart{Type: schema.PartTextDelta, Delta: out})
			}
		case llm.StreamEventError:
			return nil, ev.Err
		case llm.StreamEventDone:
			resp = ev.Response
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("provider stream ended without a response")
	}
	return resp, nil
}

func (op *operation) emitPart(part schema.StreamPart) {
	op.stream.push(part)
	if op.opts.OnChunk != nil {
		op.opts.OnChunk(part)
	}
}

// recordStep persists the step, then runs the memory handler and the
// caller's OnStepFinish serially on the operation goroutine.
func (op *operation) recordStep(step history.Step) {
	step.Timestamp = time.Now()
	op.steps = append(op.steps, step)
	if err := op.agent.historyStore.AppendStep(op.oc.HistoryEntryID, step); err != nil {
		op.oc.Logger.Warn("failed to persist step", "error", err)
	}
	if op.stepHandler != nil {
		op.stepHandler(op.oc.Context(), step)
	}
	if op.opts.OnStepFinish != nil {
		op.opts.OnStepFinish(step)
	}
}

// trackEvent publishes a bus event and appends the matching timeline event
// with a registered updater, so a later completion can resolve it.
func (op *operation) trackEvent(ev events.Event) string {
	ev.ID = uuid.NewString()
	ev.AgentID = op.agent.id
	ev.HistoryEntryID = op.oc.HistoryEntryID
	ev.ParentAgentID = op.opts.ParentAgentID
	ev.ParentHistoryEntryID = op.opts.ParentHistoryEntryID
	op.agent.bus.Publish(ev)

	data := make(map[string]interface{}, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data[history.TrackedEventKey] = ev.ID
	timeline := history.TimelineEvent{
		ID:     ev.ID,
		Name:   ev.Name,
		Type:   string(ev.Type),
		Status: ev.Status,
		Data:   data,
	}
	if err := op.agent.historyStore.AppendEvent(op.oc.HistoryEntryID, timeline); err != nil {
		op.oc.Logger.Warn("failed to persist timeline event", "error", err)
	}

	entryID := op.oc.HistoryEntryID
	store := op.agent.historyStore
	logger := op.oc.Logger
	eventID := ev.ID
	op.oc.RegisterEventUpdater(eventID, func(update history.EventUpdate) {
		if err := store.UpdateTrackedEvent(entryID, eventID, update); err != nil {
			logger.Warn("failed to update timeline event", "eventId", eventID, "error", err)
		}
	})
	return ev.ID
}

// resolveEvent publishes the completion event and applies the pending
// updater for the tracked event, exactly once.
func (op *operation) resolveEvent(trackedID string, ev events.Event, update history.EventUpdate) {
	op.publish(ev)
	if updater := op.oc.TakeEventUpdater(trackedID); updater != nil {
		updater(update)
	}
}

func (op *operation) publish(ev events.Event) {
	ev.AgentID = op.agent.id
	ev.HistoryEntryID = op.oc.HistoryEntryID
	ev.ParentAgentID = op.opts.ParentAgentID
	ev.ParentHistoryEntryID = op.opts.ParentHistoryEntryID
	op.agent.bus.Publish(ev)
}

func (op *operation) cancelled() error {
	if op.oc.Context().Err() == nil && op.oc.Active() {
		return nil
	}
	reason := op.oc.CancelReason()
	if reason == "" {
		reason = "operation cancelled"
	}
	return NewAgentError(CodeCancelled, "generating", reason, op.oc.Context().Err())
}

// complete finalizes a successful operation: output guardrails, history
// entry update, operation:completed, hooks and callbacks.
func (op *operation) complete(finishReason string) (*GenerateResult, error) {
	if finishReason == "" {
		finishReason = "stop"
	}
	text := strings.Join(op.textParts, "")

	if op.stream == nil {
		final, err := guardrail.RunOutput(op.oc.Context(), op.agent.outputGuards, text)
		if err != nil {
			var blocked *guardrail.Blocked
			if errors.As(err, &blocked) {
				return nil, NewAgentError(CodeGuardrailOutputBlocked, "finalizing", blocked.Message, err)
			}
			return nil, NewAgentError(CodeGuardrailOutputBlocked, "finalizing", "output guardrail failed", err)
		}
		text = final
	} else {
		final, trailing, err := op.pipeline.Finalize(op.oc.Context())
		if err != nil {
			var blocked *guardrail.Blocked
			if errors.As(err, &blocked) {
				return nil, NewAgentError(CodeGuardrailOutputBlocked, "finalizing", blocked.Message, err)
			}
			return nil, NewAgentError(CodeGuardrailOutputBlocked, "finalizing", "output guardrail failed", err)
		}
		if trailing != "" {
			op.emitPart(schema.StreamPart{Type: schema.PartTextDelta, Delta: trailing})
		}
		text = final
	}

	status := history.StatusCompleted
	usage := op.usage
	if _, err := op.agent.historyStore.UpdateEntry(op.oc.HistoryEntryID, history.EntryUpdate{
		Status: &status,
		Output: &text,
		Usage:  &usage,
	}); err != nil {
		op.oc.Logger.Warn("failed to update history entry", "error", err)
	}

	op.resolveEvent(op.startedEventID, events.Event{
		Name:   events.OperationCompleted,
		Type:   events.TypeAgent,
		Status: "completed",
		Data:   map[string]interface{}{"usage": usage.TotalTokens},
	}, history.EventUpdate{Status: "completed"})

	result := &GenerateResult{
		Text:           text,
		Usage:          usage,
		FinishReason:   finishReason,
		Steps:          op.steps,
		OperationID:    op.oc.OperationID,
		HistoryEntryID: op.oc.HistoryEntryID,
		ConversationID: op.conversationID,
	}
	return result, nil
}

// fail finalizes a failed or cancelled operation.
func (op *operation) fail(err error) error {
	ae, ok := AsAgentError(err)
	if !ok {
		ae = NewAgentError(CodeProviderError, "generating", "operation failed", err)
		err = ae
	}

	status := history.StatusError
	eventName := events.OperationFailed
	eventStatus := "error"
	if ae.Code == CodeCancelled {
		status = history.StatusCancelled
		eventName = events.OperationCancelled
		eventStatus = "cancelled"
	}
	output := ae.Error()
	if _, uerr := op.agent.historyStore.UpdateEntry(op.oc.HistoryEntryID, history.EntryUpdate{
		Status: &status,
		Output: &output,
	}); uerr != nil && !errors.Is(uerr, history.ErrNotFound) {
		op.oc.Logger.Warn("failed to update history entry", "error", uerr)
	}

	op.resolveEvent(op.startedEventID, events.Event{
		Name:   eventName,
		Type:   events.TypeAgent,
		Status: eventStatus,
		Data:   map[string]interface{}{"error": ae.Error(), "code": string(ae.Code)},
	}, history.EventUpdate{Status: eventStatus, Data: map[string]interface{}{"error": ae.Error()}})

	op.oc.Logger.Error("operation failed", "code", ae.Code, "stage", ae.Stage, "error", err)
	return err
}

// close releases the operation: hooks, callbacks, trace, and context.
func (op *operation) close(result *GenerateResult, err error) {
	close(op.signalStop)
	if op.agent.hooks.OnEnd != nil {
		op.agent.hooks.OnEnd(op.oc.Context(), op.oc, err)
	}
	if err != nil && op.opts.OnError != nil {
		op.opts.OnError(err)
	}
	if err == nil && result != nil && op.opts.OnFinish != nil {
		op.opts.OnFinish(result)
	}
	op.oc.Trace.End()
	op.oc.Finish()
}

// runObject performs single-round schema-constrained generation and
// validates the model output against the supplied JSON Schema.
func (op *operation) runObject(messages []schema.Message, objectSchema map[string]any) (*GenerateResult, error) {
	schemaJSON, err := json.Marshal(objectSchema)
	if err != nil {
		return nil, NewAgentError(CodeModelOutputInvalid, "preparing", "invalid object schema", err)
	}
	compiled, err := jsonschema.CompileString("object.json", string(schemaJSON))
	if err != nil {
		return nil, NewAgentError(CodeModelOutputInvalid, "preparing", "invalid object schema", err)
	}

	req := op.buildRequest(messages)
	req.Tools = nil
	req.ResponseFormat = &llm.ResponseFormat{Type: "json_schema", Schema: objectSchema, Strict: true}

	resp, err := op.callProvider(req)
	if err != nil {
		if cerr := op.cancelled(); cerr != nil {
			return nil, cerr
		}
		return nil, op.roundError(err)
	}
	op.usage.Add(resp.Usage)

	raw := extractJSON(resp.Message.Content)
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, NewAgentError(CodeModelOutputInvalid, "finalizing", "model output is not valid JSON", err)
	}
	if err := compiled.Validate(value); err != nil {
		return nil, NewAgentError(CodeModelOutputInvalid, "finalizing", "model output does not match schema", err)
	}

	op.recordStep(history.Step{Type: history.StepText, Role: schema.RoleAssistant, Text: raw})
	op.textParts = append(op.textParts, raw)
	if op.stream != nil && !op.deltasEmitted {
		op.emitPart(schema.StreamPart{Type: schema.PartTextDelta, Delta: raw})
	}

	status := history.StatusCompleted
	usage := op.usage
	if _, uerr := op.agent.historyStore.UpdateEntry(op.oc.HistoryEntryID, history.EntryUpdate{
		Status: &status,
		Output: &raw,
		Usage:  &usage,
	}); uerr != nil {
		op.oc.Logger.Warn("failed to update history entry", "error", uerr)
	}
	op.resolveEvent(op.startedEventID, events.Event{
		Name:   events.OperationCompleted,
		Type:   events.TypeAgent,
		Status: "completed",
	}, history.EventUpdate{Status: "completed"})

	return &GenerateResult{
		Text:           raw,
		Object:         json.RawMessage(raw),
		Usage:          usage,
		FinishReason:   resp.FinishReason,
		Steps:          op.steps,
		OperationID:    op.oc.OperationID,
		HistoryEntryID: op.oc.HistoryEntryID,
		ConversationID: op.conversationID,
	}, nil
}

// extractJSON strips a Markdown code fence if the model wrapped its JSON.
func extractJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}
