// Package assembler implements the Prompt Assembler (C4, §4.4): ordering the
// final message list sent to the LLM transport and attaching
// provider-specific prompt-cache markers.
//
// Grounded on original_source/backend/core/agentpress/thread_manager.py's
// get_llm_messages (system + memory + history ordering, empty-message
// filtering) and prompt_caching.py's cache-control marker placement
// (inferred from thread_manager.py's calls into it — the memory block's
// placement immediately after system is load-bearing for prefix reuse), and
// on _validate_tool_calls_in_message for the arguments-normalization pass.
package assembler

import (
	"encoding/json"
	"fmt"

	"github.com/threadforge/agentpress/message"
)

// Config exposes the provider-specific cache-block budget.
type Config struct {
	// MaxCacheBlocks bounds how many cache-control markers are attached.
	// Default 4.
	MaxCacheBlocks int
}

// DefaultConfig returns the teacher-era Anthropic-style default.
func DefaultConfig() Config {
	return Config{MaxCacheBlocks: 4}
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithConfig overrides the default cache-block budget.
func WithConfig(cfg Config) Option {
	return func(a *Assembler) {
		if cfg.MaxCacheBlocks > 0 {
			a.cfg.MaxCacheBlocks = cfg.MaxCacheBlocks
		}
	}
}

// Assembler builds the final ordered prompt.
type Assembler struct {
	cfg Config
}

// New constructs an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CacheMarker is a provider-specific cache-control breakpoint attached at a
// position in the assembled message list.
type CacheMarker struct {
	// MessageIndex is the index into Assembled.Messages this marker follows.
	MessageIndex int
	// Reason documents why this position was chosen, for observability.
	Reason string
}

// Assembled is the Prompt Assembler's output.
type Assembled struct {
	Messages     []message.Message
	CacheMarkers []CacheMarker
}

// Assemble builds `[system] + [memory_block?] + compressedHistory` (§4.4),
// filters empty user messages (matching get_llm_messages), normalizes
// tool-call arguments, and places cache markers. needsCacheRebuild, set by
// the orchestrator around a compression event, forces fresh marker
// placement rather than reusing any caller-held prior placement — this
// function is pure and always computes fresh markers, so the flag only
// matters to callers that cache Assembled results across turns.
func (a *Assembler) Assemble(system string, memory *message.Message, compressedHistory []message.Message, needsCacheRebuild bool) Assembled {
	history := filterEmptyUserMessages(compressedHistory)
	history = NormalizeToolCalls(history)

	systemMsg := message.Message{Role: message.RoleSystem, Content: message.Text(system)}

	out := make([]message.Message, 0, len(history)+2)
	out = append(out, systemMsg)
	memoryIndex := -1
	if memory != nil {
		m := *memory
		m.Role = message.RoleSystem
		out = append(out, m)
		memoryIndex = len(out) - 1
	}
	out = append(out, history...)

	markers := a.placeCacheMarkers(out, memoryIndex)
	return Assembled{Messages: out, CacheMarkers: markers}
}

// filterEmptyUserMessages drops user-role messages with no text and no
// blocks, matching get_llm_messages' defensive filter against blank rows a
// client might have submitted.
func filterEmptyUserMessages(messages []message.Message) []message.Message {
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == message.RoleUser && m.Content.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// NormalizeToolCalls re-serializes every assistant tool-call's Arguments to
// canonical JSON (§4.5 Normalization: "the LLM API requires strings"). A
// tool call whose Arguments is not valid JSON is dropped rather than sent
// malformed — matching _validate_tool_calls_in_message's "invalid args
// dropped" behavior — together with any tool-result message answering it,
// and an assistant message left with no calls and no text content is
// removed.
func NormalizeToolCalls(messages []message.Message) []message.Message {
	out := make([]message.Message, 0, len(messages))
	dropped := map[string]bool{}
	for _, m := range messages {
		if m.IsToolResult() && dropped[m.ToolCallID] {
			continue
		}
		if !m.HasToolCalls() {
			out = append(out, m)
			continue
		}
		kept := m.ToolCalls[:0:0]
		for _, tc := range m.ToolCalls {
			canonical, ok := canonicalizeArguments(tc.Arguments)
			if !ok {
				dropped[tc.ID] = true
				continue
			}
			tc.Arguments = canonical
			kept = append(kept, tc)
		}
		if len(kept) == 0 && m.Content.IsEmpty() {
			continue
		}
		m.ToolCalls = kept
		out = append(out, m)
	}
	return out
}

func canonicalizeArguments(raw string) (string, bool) {
	if raw == "" {
		return "{}", true
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// placeCacheMarkers attaches up to MaxCacheBlocks markers: the system
// message, the end of the memory block (if present), and stable points deep
// in history for the remaining budget (at the default of 4: two with a
// memory block, three without one) — chosen at message-group boundaries so a marker
// never lands inside a tool-call/tool-result group, and biased toward the
// older end of history since those messages are least likely to be rewritten
// by a future compression pass (§4.4 "chosen to maximize reuse").
func (a *Assembler) placeCacheMarkers(messages []message.Message, memoryIndex int) []CacheMarker {
	budget := a.cfg.MaxCacheBlocks
	if budget <= 0 {
		return nil
	}

	var markers []CacheMarker
	markers = append(markers, CacheMarker{MessageIndex: 0, Reason: "system"})
	budget--

	if memoryIndex >= 0 && budget > 0 {
		markers = append(markers, CacheMarker{MessageIndex: memoryIndex, Reason: "memory"})
		budget--
	}

	historyStart := memoryIndex + 1
	if historyStart < 1 {
		historyStart = 1
	}
	history := messages[historyStart:]
	groups := message.GroupMessages(history)

	stablePoints := stableGroupBoundaries(groups, budget)
	for _, g := range stablePoints {
		idx := historyStart + groupEndOffset(groups, g)
		markers = append(markers, CacheMarker{MessageIndex: idx, Reason: fmt.Sprintf("history-stable-%d", g)})
	}

	return validateMarkers(markers, len(messages), a.cfg.MaxCacheBlocks)
}

// stableGroupBoundaries picks up to n group indices, spread across the
// older two-thirds of history (the volatile recent tail is excluded since
// compression tiers touch it first).
func stableGroupBoundaries(groups []message.Group, n int) []int {
	if n <= 0 || len(groups) == 0 {
		return nil
	}
	stableCount := (len(groups) * 2) / 3
	if stableCount == 0 {
		stableCount = len(groups)
	}

	var picks []int
	for i := 1; i <= n; i++ {
		idx := (stableCount * i) / (n + 1)
		if idx <= 0 || idx >= len(groups) {
			continue
		}
		picks = append(picks, idx)
	}
	return picks
}

func groupEndOffset(groups []message.Group, groupIdx int) int {
	offset := 0
	for i := 0; i < groupIdx && i < len(groups); i++ {
		offset += len(groups[i].Messages)
	}
	if offset > 0 {
		offset--
	}
	return offset
}

// validateMarkers enforces provider rules: strictly increasing indices,
// within bounds, capped at max (§4.4 "validated against provider rules
// before emission").
func validateMarkers(markers []CacheMarker, totalMessages, max int) []CacheMarker {
	out := make([]CacheMarker, 0, len(markers))
	last := -1
	for _, m := range markers {
		if m.MessageIndex < 0 || m.MessageIndex >= totalMessages {
			continue
		}
		if m.MessageIndex <= last {
			continue
		}
		out = append(out, m)
		last = m.MessageIndex
		if len(out) == max {
			break
		}
	}
	return out
}
