// Package pairing implements the Tool-Call Pairing Invariant (C3): validating
// and repairing the structural coupling between assistant tool-call
// announcements and the tool-result messages that answer them.
//
// Grounded on original_source/backend/core/agentpress/context_manager.py's
// validate_tool_call_pairing / repair_tool_call_pairing /
// remove_orphaned_tool_results / remove_unanswered_tool_calls, and on
// thread_manager.py's separate validate_tool_call_ordering pass.
package pairing

import "github.com/threadforge/agentpress/message"

// Result reports the outcome of a pairing validation pass.
type Result struct {
	// Valid is true when every property holds.
	Valid bool
	// Orphaned holds tool_call_ids on tool-role messages with no declaring
	// assistant message.
	Orphaned []string
	// Unanswered holds tool_call_ids an assistant declared but no tool-role
	// message anywhere in the list answers.
	Unanswered []string
}

// ValidatePairing checks completeness and answered-ness (§4.3) over a flat,
// ordered message list. It does not check ordering; see ValidateOrdering.
func ValidatePairing(messages []message.Message) Result {
	declared := map[string]bool{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			declared[tc.ID] = true
		}
	}

	answered := map[string]bool{}
	var orphaned []string
	for _, m := range messages {
		if !m.IsToolResult() {
			continue
		}
		if !declared[m.ToolCallID] {
			orphaned = append(orphaned, m.ToolCallID)
			continue
		}
		answered[m.ToolCallID] = true
	}

	var unanswered []string
	for id := range declared {
		if !answered[id] {
			unanswered = append(unanswered, id)
		}
	}

	return Result{
		Valid:      len(orphaned) == 0 && len(unanswered) == 0,
		Orphaned:   orphaned,
		Unanswered: unanswered,
	}
}

// OrderingResult reports tool_call_ids whose answering tool-result message
// does not appear contiguously, immediately after the declaring assistant
// message.
type OrderingResult struct {
	Ordered    bool
	OutOfOrder []string
}

// ValidateOrdering checks the ordering property in isolation from pairing,
// matching thread_manager.py's two-pass structure (pairing then ordering).
func ValidateOrdering(messages []message.Message) OrderingResult {
	var outOfOrder []string
	for _, g := range message.GroupMessages(messages) {
		if !g.IsToolGroup() {
			continue
		}
		declared := map[string]bool{}
		for _, tc := range g.Messages[0].ToolCalls {
			declared[tc.ID] = true
		}
		answeredInGroup := map[string]bool{}
		for _, m := range g.Messages[1:] {
			answeredInGroup[m.ToolCallID] = true
		}
		for id := range declared {
			if !answeredInGroup[id] {
				// The call was declared but its answer (if it exists anywhere
				// in the thread) is not contiguous with the declaring
				// assistant message — i.e. it is out of order.
				if answeredElsewhere(messages, id, g) {
					outOfOrder = append(outOfOrder, id)
				}
			}
		}
	}
	return OrderingResult{Ordered: len(outOfOrder) == 0, OutOfOrder: outOfOrder}
}

func answeredElsewhere(messages []message.Message, id string, ownGroup message.Group) bool {
	for _, m := range messages {
		if m.ToolCallID == id && m.Role == message.RoleTool {
			for _, own := range ownGroup.Messages {
				if own.ID == m.ID {
					return false
				}
			}
			return true
		}
	}
	return false
}

// Repair applies the §4.3 repair rules in memory: orphaned tool-result
// messages are removed; assistant messages with unanswered tool calls have
// those calls stripped, and if that leaves the assistant with no text
// content, the assistant message itself is removed.
func Repair(messages []message.Message) []message.Message {
	result := ValidatePairing(messages)
	if result.Valid {
		return messages
	}
	out := removeOrphanedToolResults(messages, result.Orphaned)
	out = removeUnansweredToolCalls(out, result.Unanswered)
	return out
}

func removeOrphanedToolResults(messages []message.Message, orphaned []string) []message.Message {
	if len(orphaned) == 0 {
		return messages
	}
	orphanSet := toSet(orphaned)
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		if m.IsToolResult() && orphanSet[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func removeUnansweredToolCalls(messages []message.Message, unanswered []string) []message.Message {
	if len(unanswered) == 0 {
		return messages
	}
	unansweredSet := toSet(unanswered)
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		if !m.HasToolCalls() {
			out = append(out, m)
			continue
		}
		kept := m.ToolCalls[:0:0]
		for _, tc := range m.ToolCalls {
			if !unansweredSet[tc.ID] {
				kept = append(kept, tc)
			}
		}
		if len(kept) == 0 && m.Content.IsEmpty() {
			// No answered calls and no content: drop the message entirely.
			continue
		}
		m.ToolCalls = kept
		out = append(out, m)
	}
	return out
}

// RemoveOutOfOrderToolPairs strips the out-of-order tool-call ids from their
// declaring assistant message and removes the corresponding tool-result
// messages wherever they are. An assistant message left with no content and
// no remaining calls is dropped.
func RemoveOutOfOrderToolPairs(messages []message.Message, outOfOrder []string) []message.Message {
	if len(outOfOrder) == 0 {
		return messages
	}
	badSet := toSet(outOfOrder)
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		if m.IsToolResult() && badSet[m.ToolCallID] {
			continue
		}
		if m.HasToolCalls() {
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if !badSet[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content.IsEmpty() {
				continue
			}
			m.ToolCalls = kept
		}
		out = append(out, m)
	}
	return out
}

// StripAllToolContent implements the emergency fallback (§4.3): remove every
// tool-role message and every ToolCalls field from the prompt. Used only
// after a tool-pairing transport error, bounded by MAX_ERROR_RETRIES at the
// auto-continue layer.
func StripAllToolContent(messages []message.Message) []message.Message {
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == message.RoleTool {
			continue
		}
		m.ToolCalls = nil
		out = append(out, m)
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
