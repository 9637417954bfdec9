package agentrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voocel/agentrun/schema"
)

// DelegateTaskName is the name of the delegation tool a supervisor exposes.
const DelegateTaskName = "delegate_task"

type delegateArgs struct {
	Task         string                 `json:"task"`
	TargetAgents []string               `json:"targetAgents"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

type delegateResult struct {
	AgentName string `json:"agentName"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// newDelegateTool builds the delegate_task tool over the agent's sub-agents.
// Each target runs the task as a fresh operation linked to the delegating
// operation through parent ids; targets run concurrently and results are
// returned per agent.
func (a *Agent) newDelegateTool() Tool {
	names := make([]string, 0, len(a.subAgents))
	for _, sub := range a.subAgents {
		names = append(names, sub.Name())
	}

	params := schema.Object(
		schema.Property("task", schema.String("The task to delegate")).Required(),
		schema.Property("targetAgents",
			schema.Array("Names of the agents to delegate to", schema.Enum("Sub-agent name", names...))).Required(),
		schema.Property("context", schema.Object()),
	)

	return NewTool(DelegateTaskName, "Delegate a task to one or more specialized agents and collect their responses.", params, a.runDelegation)
}

func (a *Agent) runDelegation(ctx context.Context, raw json.RawMessage) (any, error) {
	var args delegateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid delegate_task arguments: %w", err)
	}
	if args.Task == "" || len(args.TargetAgents) == 0 {
		return nil, fmt.Errorf("delegate_task requires task and targetAgents")
	}

	exec, _ := ToolExecutionFromContext(ctx)

	targets := make([]*Agent, 0, len(args.TargetAgents))
	for _, name := range args.TargetAgents {
		sub := a.findSubAgent(name)
		if sub == nil {
			return nil, fmt.Errorf("%w: %q is not a sub-agent of %q", ErrAgentNotFound, name, a.Name())
		}
		targets = append(targets, sub)
	}

	results := make([]delegateResult, len(targets))
	var wg sync.WaitGroup
	for i, sub := range targets {
		wg.Add(1)
		go func(i int, sub *Agent) {
			defer wg.Done()
			if sub.hooks.OnHandoff != nil {
				sub.hooks.OnHandoff(ctx, sub, a.ID())
			}

			opts := &GenerateOptions{
				UserContext: args.Context,
			}
			if exec != nil {
				opts.ParentAgentID = exec.AgentID
				opts.ParentHistoryEntryID = exec.HistoryEntryID
			}
			result, err := sub.GenerateText(ctx, Text(args.Task), opts)
			if err != nil {
				results[i] = delegateResult{AgentName: sub.Name(), Error: err.Error()}
				return
			}
			results[i] = delegateResult{AgentName: sub.Name(), Response: result.Text}
		}(i, sub)
	}
	wg.Wait()

	return results, nil
}

func (a *Agent) findSubAgent(name string) *Agent {
	for _, sub := range a.subAgents {
		if sub.Name() == name || sub.ID() == name {
			return sub
		}
	}
	if a.registry != nil {
		if sub, ok := a.registry.Get(name); ok {
			for _, s := range a.subAgents {
				if s == sub {
					return sub
				}
			}
		}
	}
	return nil
}
