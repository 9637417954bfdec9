package guardrail

import (
	"context"
	"fmt"
)

// RunInput evaluates input guardrails in declaration order. Modifications
// thread forward: each guardrail sees the previous guardrail's result. A
// modify verdict on message-list input that does not supply ModifiedMessages
// is treated as a block.
func RunInput(ctx context.Context, guards []InputGuardrail, payload InputPayload) (InputPayload, error) {
	for _, g := range guards {
		result, err := g.CheckInput(ctx, payload)
		if err != nil {
			return payload, fmt.Errorf("guardrail %q: %w", g.Meta().ID, err)
		}
		switch result.Action {
		case ActionPass, "":
		case ActionModify:
			if payload.Messages != nil {
				if result.ModifiedMessages == nil {
					return payload, &Blocked{
						GuardrailID: g.Meta().ID,
						Phase:       "input",
						Message:     "guardrail modified message input without providing messages",
					}
				}
				payload.Messages = result.ModifiedMessages
			} else {
				payload.Text = result.ModifiedText
			}
		case ActionBlock:
			return payload, &Blocked{GuardrailID: g.Meta().ID, Phase: "input", Message: blockMessage(result.Message)}
		default:
			return payload, fmt.Errorf("guardrail %q: unknown action %q", g.Meta().ID, result.Action)
		}
	}
	return payload, nil
}

// RunOutput evaluates output guardrails in declaration order against the
// final output. Each guardrail sees the current (threaded) output and the
// untouched original.
func RunOutput(ctx context.Context, guards []OutputGuardrail, output string) (string, error) {
	current := output
	for _, g := range guards {
		result, err := g.CheckOutput(ctx, OutputPayload{Output: current, Original: output})
		if err != nil {
			return current, fmt.Errorf("guardrail %q: %w", g.Meta().ID, err)
		}
		switch result.Action {
		case ActionPass, "":
		case ActionModify:
			current = result.ModifiedOutput
		case ActionBlock:
			return current, &Blocked{GuardrailID: g.Meta().ID, Phase: "output", Message: blockMessage(result.Message)}
		default:
			return current, fmt.Errorf("guardrail %q: unknown action %q", g.Meta().ID, result.Action)
		}
	}
	return current, nil
}

func blockMessage(msg string) string {
	if msg == "" {
		return "blocked by guardrail"
	}
	return msg
}
