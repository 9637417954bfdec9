package agentrun

import (
	"fmt"
	"strings"

	"github.com/voocel/agentrun/history"
)

const markdownDirective = "Format your responses using Markdown."

const supervisorGuidance = `You are a supervisor agent coordinating specialized sub-agents. Delegate tasks with the delegate_task tool, pick the best-suited agents for each task, and synthesize their answers into your response.`

// buildSystemPrompt assembles the system message in a fixed order: base
// instructions, toolkit addenda, markdown directive, retrieved context,
// and the sub-agent supervisor block. Empty sections are omitted.
func (a *Agent) buildSystemPrompt(retrievalContext string) string {
	var sections []string

	if a.instructions != "" {
		sections = append(sections, a.instructions)
	}
	for _, tk := range a.toolkits {
		if tk.AddInstructions && tk.Instructions != "" {
			sections = append(sections, tk.Instructions)
		}
	}
	if a.markdown {
		sections = append(sections, markdownDirective)
	}
	if retrievalContext != "" {
		sections = append(sections, "Relevant context:\n"+retrievalContext)
	}
	if block := a.supervisorBlock(); block != "" {
		sections = append(sections, block)
	}

	return strings.Join(sections, "\n\n")
}

// supervisorBlock describes available sub-agents and their recent answers so
// the supervisor can delegate with context.
func (a *Agent) supervisorBlock() string {
	subAgents := a.SubAgents()
	if len(subAgents) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(supervisorGuidance)
	sb.WriteString("\n\nAvailable agents:\n")
	for _, sub := range subAgents {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", sub.Name(), sub.Purpose()))
	}

	for _, sub := range subAgents {
		recent := recentAssistantTexts(sub, 5)
		if len(recent) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("\nRecent answers from %s:\n", sub.Name()))
		for _, text := range recent {
			sb.WriteString("- " + text + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// recentAssistantTexts returns the sub-agent's last n assistant text steps,
// newest last. Tool call and tool result steps are excluded.
func recentAssistantTexts(sub *Agent, n int) []string {
	entries, err := sub.historyStore.EntriesFor(sub.ID())
	if err != nil {
		return nil
	}
	var texts []string
	for _, entry := range entries {
		for _, step := range entry.Steps {
			if step.Type == history.StepText && step.Text != "" {
				texts = append(texts, step.Text)
			}
		}
	}
	if len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	return texts
}
