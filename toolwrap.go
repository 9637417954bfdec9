package agentrun

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voocel/agentrun/events"
	"github.com/voocel/agentrun/history"
	"github.com/voocel/agentrun/schema"
)

// runToolCall executes one tool call with full lifecycle instrumentation:
// tool:started/completed/failed events, a child span attached to the
// operation for the duration of the call, circuit breaking, and the
// tool_call/tool_result history steps. It always returns a result; failures
// are carried in the result's Error field.
func (op *operation) runToolCall(call schema.ToolCall) schema.ToolResult {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	op.recordStep(history.Step{
		Type:       history.StepToolCall,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Args,
	})
	if op.stream != nil {
		c := call
		op.emitPart(schema.StreamPart{Type: schema.PartToolCall, ID: call.ID, ToolCall: &c})
	}

	result := op.executeToolCall(call)

	step := history.Step{
		Type:       history.StepToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result.Content,
		Error:      result.Error,
	}
	op.recordStep(step)
	if op.stream != nil {
		r := result
		op.emitPart(schema.StreamPart{Type: schema.PartToolResult, ID: call.ID, ToolResult: &r})
	}
	return result
}

func (op *operation) executeToolCall(call schema.ToolCall) schema.ToolResult {
	a := op.agent

	tool, ok := op.tools[call.Name]
	if !ok {
		return errorResult(call, fmt.Sprintf("tool %q not found", call.Name))
	}

	if op.toolFailures[call.Name] >= a.maxToolErrors {
		op.oc.Logger.Warn("tool circuit breaker open", "tool", call.Name)
		return errorResult(call, fmt.Sprintf("tool %q disabled after %d consecutive failures", call.Name, a.maxToolErrors))
	}

	if IsReasoningTool(call.Name) {
		op.checkReasoningArgs(call)
	}

	eventID := op.trackEvent(events.Event{
		Name:   events.ToolStarted,
		Type:   events.TypeTool,
		Status: "running",
		Data: map[string]interface{}{
			"toolName":   call.Name,
			"toolCallId": call.ID,
			"arguments":  string(call.Args),
		},
	})

	spanCtx, span := op.oc.Trace.CreateChildSpan("tool."+call.Name,
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	if err := op.oc.AttachToolSpan(call.ID, span); err != nil {
		span.End()
		op.oc.Logger.Warn("rejecting tool call", "tool", call.Name, "toolCallId", call.ID, "error", err)
		op.resolveEvent(eventID, events.Event{
			Name: events.ToolFailed, Type: events.TypeTool, Status: "error",
			Data: map[string]interface{}{"toolCallId": call.ID, "error": err.Error()},
		}, history.EventUpdate{Status: "error", Data: map[string]interface{}{"error": err.Error()}})
		return errorResult(call, err.Error())
	}
	defer func() {
		if s := op.oc.DetachToolSpan(call.ID); s != nil {
			s.End()
		}
	}()

	if a.hooks.OnToolStart != nil {
		a.hooks.OnToolStart(spanCtx, op.oc, call)
	}

	execCtx := WithToolExecution(spanCtx, &ToolExecution{
		ToolCallID:       call.ID,
		AgentID:          a.id,
		AgentName:        a.name,
		HistoryEntryID:   op.oc.HistoryEntryID,
		OperationContext: op.oc,
	})

	value, err := tool.Execute(execCtx, call.Args)

	var result schema.ToolResult
	if err != nil {
		op.toolFailures[call.Name]++
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = errorResult(call, err.Error())
		op.resolveEvent(eventID, events.Event{
			Name: events.ToolFailed, Type: events.TypeTool, Status: "error",
			Data: map[string]interface{}{"toolCallId": call.ID, "toolName": call.Name, "error": err.Error()},
		}, history.EventUpdate{Status: "error", Data: map[string]interface{}{"error": err.Error()}})
	} else {
		op.toolFailures[call.Name] = 0
		span.SetStatus(codes.Ok, "")
		content, merr := json.Marshal(value)
		if merr != nil {
			content = []byte(fmt.Sprintf("%q", fmt.Sprint(value)))
		}
		result = schema.ToolResult{ID: call.ID, Name: call.Name, Content: content}
		op.resolveEvent(eventID, events.Event{
			Name: events.ToolCompleted, Type: events.TypeTool, Status: "completed",
			Data: map[string]interface{}{"toolCallId": call.ID, "toolName": call.Name},
		}, history.EventUpdate{Status: "completed"})
	}

	if a.hooks.OnToolEnd != nil {
		a.hooks.OnToolEnd(spanCtx, op.oc, result)
	}
	return result
}

// checkReasoningArgs warns when a reasoning tool call references a history
// entry other than the operation's own; the call is recorded but flagged.
func (op *operation) checkReasoningArgs(call schema.ToolCall) {
	var args struct {
		HistoryEntryID string `json:"historyEntryId"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return
	}
	if args.HistoryEntryID != "" && args.HistoryEntryID != op.oc.HistoryEntryID {
		op.oc.Logger.Warn("reasoning tool call references a different history entry",
			"tool", call.Name, "referencedEntryId", args.HistoryEntryID)
	}
}

func errorResult(call schema.ToolCall, msg string) schema.ToolResult {
	return schema.ToolResult{ID: call.ID, Name: call.Name, Error: msg}
}
