package sessions

import (
	"fmt"

	"github.com/nextlevelbuilder/valet/internal/providers"
)

// RepairTranscript fixes tool-call pairing damage left by crashes, partial
// writes, or provider errors: every assistant tool call gets exactly one
// result, orphan results are dropped, duplicates are dropped. Returns the
// repaired list and how many fixes were applied. Running it on a healthy
// transcript is a no-op.
func RepairTranscript(messages []providers.Message) ([]providers.Message, int) {
	fixes := 0
	out := make([]providers.Message, 0, len(messages))

	// Tool-call ids from the most recent assistant message that have not yet
	// seen a result.
	open := map[string]bool{}

	flushOpen := func() {
		// Synthesize results for calls the transcript never answered.
		for id := range open {
			out = append(out, providers.Message{
				Role:       "tool",
				Content:    "(no result recorded; the call was interrupted)",
				ToolCallID: id,
			})
			fixes++
		}
		open = map[string]bool{}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			flushOpen()
			out = append(out, msg)
			for _, call := range msg.ToolCalls {
				open[call.ID] = true
			}
		case "tool":
			if msg.ToolCallID == "" || !open[msg.ToolCallID] {
				// Orphan or duplicate result. Either way the next prompt
				// would be rejected by the provider, so drop it.
				fixes++
				continue
			}
			delete(open, msg.ToolCallID)
			out = append(out, msg)
		default:
			flushOpen()
			out = append(out, msg)
		}
	}
	flushOpen()

	return out, fixes
}

// repairInPlace runs RepairTranscript against a session. Callers hold s.mu.
func repairInPlace(s *Session) int {
	repaired, fixes := RepairTranscript(s.Messages)
	if fixes > 0 {
		s.Messages = repaired
	}
	return fixes
}

// validateTranscript reports the first pairing violation, nil when clean.
// Used by tests and the manager's load path.
func validateTranscript(messages []providers.Message) error {
	open := map[string]bool{}
	for i, msg := range messages {
		switch msg.Role {
		case "assistant":
			if len(open) > 0 {
				return fmt.Errorf("message %d: %d unanswered tool calls before next assistant turn", i, len(open))
			}
			for _, call := range msg.ToolCalls {
				open[call.ID] = true
			}
		case "tool":
			if !open[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool result %q has no matching call", i, msg.ToolCallID)
			}
			delete(open, msg.ToolCallID)
		default:
			if len(open) > 0 {
				return fmt.Errorf("message %d: %d unanswered tool calls before %s turn", i, len(open), msg.Role)
			}
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("transcript ends with %d unanswered tool calls", len(open))
	}
	return nil
}
