package sessions

import "github.com/nextlevelbuilder/goclaw/internal/providers"

// RepairTranscript scans s.Messages for tool-call/tool-result pairing
// issues and fixes them in place: an assistant tool call with no matching
// "tool" result gets a synthetic one appended right after it; a "tool"
// message whose ToolCallID matches no known call, or that duplicates an
// already-seen ToolCallID, is dropped. This guards against the transcript
// being left unconsumable by the next prompt after a crash or partial write
// left a call/result pair split across the save boundary.
func RepairTranscript(s *Session) {
	s.Messages = repairMessages(s.Messages)
}

func repairMessages(msgs []providers.Message) []providers.Message {
	knownCalls := make(map[string]bool)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			knownCalls[tc.ID] = true
		}
	}

	seenResults := make(map[string]bool)
	repaired := make([]providers.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == "tool" {
			if !knownCalls[m.ToolCallID] {
				continue // orphan result: drop
			}
			if seenResults[m.ToolCallID] {
				continue // duplicate result: drop
			}
			seenResults[m.ToolCallID] = true
			repaired = append(repaired, m)
			continue
		}

		repaired = append(repaired, m)

		for _, tc := range m.ToolCalls {
			if hasMatchingResult(msgs, tc.ID) {
				continue
			}
			repaired = append(repaired, providers.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    "(no result recorded — synthesized during transcript repair)",
			})
			seenResults[tc.ID] = true
		}
	}
	return repaired
}

func hasMatchingResult(msgs []providers.Message, toolCallID string) bool {
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}
