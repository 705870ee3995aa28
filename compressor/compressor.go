// Package compressor implements the Context Compressor (C2): tiered,
// deterministic, structure-preserving compression that keeps a message list
// under a model's token budget without ever invoking an LLM for
// summarization (byte-stable history is required for prompt caching).
//
// Grounded on
// original_source/backend/core/agentpress/context_manager.py's
// compress_messages and its tier functions (remove_old_tool_outputs,
// compress_user_messages[_in_memory], compress_assistant_messages[_in_memory],
// compress_messages_by_omitting_messages, middle_out_messages).
package compressor

import (
	"context"
	"fmt"

	"github.com/threadforge/agentpress/accountant"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/modelreg"
	"github.com/threadforge/agentpress/pairing"
	"github.com/threadforge/agentpress/telemetry"
)

// Config exposes the constants spec.md §9 flags as "should become
// configurable without changing defaults". Zero-value fields are replaced by
// DefaultConfig's values in New.
type Config struct {
	// KeepRecentToolOutputs is the number of most-recent tool-result messages
	// left uncompressed by tier 1. Default 5.
	KeepRecentToolOutputs int
	// CompressionTargetRatio is the hysteresis target as a fraction of
	// max_tokens; compression runs only when tokens > max_tokens but drives
	// down to target = ratio × max_tokens. Default 0.6.
	CompressionTargetRatio float64
	// KeepRecentUserMessages is the recency window for tier 2. Default 10.
	KeepRecentUserMessages int
	// KeepRecentAssistantMessages is the recency window for tier 3. Default 10.
	KeepRecentAssistantMessages int
	// MinGroupsToKeep floors tier 5's group omission. Default 5.
	MinGroupsToKeep int
	// MaxGroups bounds tier 6's independent middle-out cap. Default 320.
	MaxGroups int
	// MaxIterations bounds the secondary-pass retry loop. Default 3.
	MaxIterations int
	// HeadTruncateChars is the character budget for head-truncation (tiers 2-3). Default 3000.
	HeadTruncateChars int
	// AggressiveTruncateChars is the lower per-message threshold used by the
	// secondary aggressive pass (tier 4). Default 1000.
	AggressiveTruncateChars int
}

// DefaultConfig returns the constants the original source hardcodes.
func DefaultConfig() Config {
	return Config{
		KeepRecentToolOutputs:       5,
		CompressionTargetRatio:      0.6,
		KeepRecentUserMessages:      10,
		KeepRecentAssistantMessages: 10,
		MinGroupsToKeep:             5,
		MaxGroups:                   320,
		MaxIterations:               3,
		HeadTruncateChars:           3000,
		AggressiveTruncateChars:     1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepRecentToolOutputs == 0 {
		c.KeepRecentToolOutputs = d.KeepRecentToolOutputs
	}
	if c.CompressionTargetRatio == 0 {
		c.CompressionTargetRatio = d.CompressionTargetRatio
	}
	if c.KeepRecentUserMessages == 0 {
		c.KeepRecentUserMessages = d.KeepRecentUserMessages
	}
	if c.KeepRecentAssistantMessages == 0 {
		c.KeepRecentAssistantMessages = d.KeepRecentAssistantMessages
	}
	if c.MinGroupsToKeep == 0 {
		c.MinGroupsToKeep = d.MinGroupsToKeep
	}
	if c.MaxGroups == 0 {
		c.MaxGroups = d.MaxGroups
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.HeadTruncateChars == 0 {
		c.HeadTruncateChars = d.HeadTruncateChars
	}
	if c.AggressiveTruncateChars == 0 {
		c.AggressiveTruncateChars = d.AggressiveTruncateChars
	}
	return c
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithConfig overrides the default tier constants.
func WithConfig(cfg Config) Option {
	return func(c *Compressor) { c.cfg = cfg.withDefaults() }
}

// WithLogger overrides the compressor's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Compressor) { c.logger = l }
}

// Compressor drives the tiered compression algorithm.
type Compressor struct {
	accountant *accountant.Accountant
	registry   *modelreg.Registry
	cfg        Config
	logger     telemetry.Logger
}

// New constructs a Compressor.
func New(a *accountant.Accountant, registry *modelreg.Registry, opts ...Option) *Compressor {
	c := &Compressor{
		accountant: a,
		registry:   registry,
		cfg:        DefaultConfig(),
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compress runs the tiered strategy (§4.2) until the message list fits under
// max_tokens, or the min-keep floor is reached (starvation case, §8
// invariant 4). actualTotal, if non-nil, short-circuits the initial token
// count with an already-known value (the orchestrator's fast path).
func (c *Compressor) Compress(ctx context.Context, messages []message.Message, modelID string, system string, actualTotal *int) ([]message.Message, error) {
	window := c.registry.ContextWindow(modelID)
	maxTokens := modelreg.MaxTokens(window)
	target := int(float64(maxTokens) * c.cfg.CompressionTargetRatio)

	tokens, err := c.tokenCount(ctx, messages, modelID, system, actualTotal)
	if err != nil {
		return nil, err
	}
	if tokens <= maxTokens {
		return messages, nil
	}
	c.logger.Info(ctx, "context compression triggered", "tokens", tokens, "max_tokens", maxTokens, "target", target)

	out := messages
	for iter := 0; iter < c.cfg.MaxIterations; iter++ {
		out = c.removeOldToolOutputs(out)
		out = c.compressUserMessages(out, c.cfg.HeadTruncateChars, c.cfg.KeepRecentUserMessages)
		out = c.compressAssistantMessages(out, c.cfg.HeadTruncateChars, c.cfg.KeepRecentAssistantMessages)

		tokens, err = c.tokenCount(ctx, out, modelID, system, nil)
		if err != nil {
			return nil, err
		}
		if tokens <= target {
			break
		}

		// Tier 4: secondary aggressive pass, lower per-message threshold.
		out = c.aggressivePass(out)
		tokens, err = c.tokenCount(ctx, out, modelID, system, nil)
		if err != nil {
			return nil, err
		}
		if tokens <= target {
			break
		}
	}

	if tokens > maxTokens || tokens > target {
		out = c.omitMiddleGroups(ctx, out, modelID, system, target)
	}

	out = c.MiddleOut(out)
	out = pairing.Repair(out)

	return out, nil
}

func (c *Compressor) tokenCount(ctx context.Context, messages []message.Message, modelID, system string, actualTotal *int) (int, error) {
	if actualTotal != nil {
		return *actualTotal, nil
	}
	return c.accountant.Count(ctx, modelID, messages, system)
}

// toolOutputSummary is the tier-1 replacement string, matching the source's
// exact format so any existing "expand-message" tooling keeps working.
func toolOutputSummary(id string) string {
	return fmt.Sprintf("[Tool output compressed for token management] message_id: %q. Use expand-message tool to view full output.", id)
}

// removeOldToolOutputs is tier 1: keep the last KeepRecentToolOutputs tool
// results uncompressed; replace older ones' content with a summary
// referencing the original message id. tool_call_id is left intact so
// pairing invariants hold.
func (c *Compressor) removeOldToolOutputs(messages []message.Message) []message.Message {
	toolIdx := make([]int, 0, len(messages))
	for i, m := range messages {
		if m.IsToolResult() {
			toolIdx = append(toolIdx, i)
		}
	}
	keepFrom := len(toolIdx) - c.cfg.KeepRecentToolOutputs
	if keepFrom <= 0 {
		return messages
	}

	out := make([]message.Message, len(messages))
	copy(out, messages)
	for _, i := range toolIdx[:keepFrom] {
		m := out[i]
		m.Content = message.Text(toolOutputSummary(m.ID))
		out[i] = m
	}
	return out
}

// compressUserMessages is tier 2: head-truncate user messages older than the
// most recent KeepRecentUserMessages, to maxChars.
func (c *Compressor) compressUserMessages(messages []message.Message, maxChars, keepRecent int) []message.Message {
	return compressRole(messages, message.RoleUser, maxChars, keepRecent, truncateHead)
}

// compressAssistantMessages is tier 3: same policy as tier 2 with its own
// recency window, and never touching tool_calls.
func (c *Compressor) compressAssistantMessages(messages []message.Message, maxChars, keepRecent int) []message.Message {
	return compressRole(messages, message.RoleAssistant, maxChars, keepRecent, truncateHead)
}

func compressRole(messages []message.Message, role message.Role, maxChars, keepRecent int, truncate func(string, int) string) []message.Message {
	idx := make([]int, 0, len(messages))
	for i, m := range messages {
		if m.Role == role {
			idx = append(idx, i)
		}
	}
	keepFrom := len(idx) - keepRecent
	if keepFrom <= 0 {
		return messages
	}

	out := make([]message.Message, len(messages))
	copy(out, messages)
	for _, i := range idx[:keepFrom] {
		m := out[i]
		if m.Content.IsText() && len(m.Content.AsText()) > maxChars {
			m.Content = message.Text(truncate(m.Content.AsText(), maxChars))
			out[i] = m
		}
	}
	return out
}

// aggressivePass is tier 4: re-run tiers 1-3 with the lower
// AggressiveTruncateChars threshold, middle-truncating messages within the
// recency window and head-truncating (to the aggressive threshold) messages
// beyond it — matching the source's distinct in-window vs beyond-window
// handling in compress_tool_result_messages/compress_user_messages/
// compress_assistant_messages.
func (c *Compressor) aggressivePass(messages []message.Message) []message.Message {
	out := make([]message.Message, len(messages))
	copy(out, messages)

	userIdx := roleIndices(out, message.RoleUser)
	assistantIdx := roleIndices(out, message.RoleAssistant)
	toolIdx := roleIndices(out, message.RoleTool)

	applyAggressive(out, userIdx, c.cfg.KeepRecentUserMessages, c.cfg.AggressiveTruncateChars)
	applyAggressive(out, assistantIdx, c.cfg.KeepRecentAssistantMessages, c.cfg.AggressiveTruncateChars)
	applyAggressive(out, toolIdx, c.cfg.KeepRecentToolOutputs, c.cfg.AggressiveTruncateChars)

	return out
}

func roleIndices(messages []message.Message, role message.Role) []int {
	idx := make([]int, 0, len(messages))
	for i, m := range messages {
		if m.Role == role {
			idx = append(idx, i)
		}
	}
	return idx
}

func applyAggressive(messages []message.Message, idx []int, keepRecent, maxChars int) {
	keepFrom := len(idx) - keepRecent
	for pos, i := range idx {
		m := messages[i]
		if !m.Content.IsText() {
			continue
		}
		text := m.Content.AsText()
		if len(text) <= maxChars {
			continue
		}
		if pos < keepFrom {
			// beyond the recency window: head truncation, same as tiers 2-3.
			m.Content = message.Text(truncateHead(text, maxChars))
		} else {
			// within the recency window: preserve head and tail.
			m.Content = message.Text(truncateMiddle(text, maxChars))
		}
		messages[i] = m
	}
}

// truncateHead keeps the first maxChars characters, matching
// compress_message's behavior.
func truncateHead(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "... (truncated)"
}

// truncateMiddle keeps a head and tail split around a marker, matching
// safe_truncate. maxChars is clamped to 100000 as in the source.
func truncateMiddle(text string, maxChars int) string {
	if maxChars > 100000 {
		maxChars = 100000
	}
	if len(text) <= maxChars {
		return text
	}
	marker := "... (middle truncated) ..."
	keep := maxChars - len(marker)
	if keep < 2 {
		return text[:maxChars]
	}
	head := keep / 2
	tail := keep - head
	return text[:head] + marker + text[len(text)-tail:]
}

// omitMiddleGroups is tier 5: operate on Message Groups, removing from the
// middle when there are more than 2×a conservative batch size remaining,
// otherwise from the early side, never splitting a group, stopping at
// MinGroupsToKeep or when the target is met.
func (c *Compressor) omitMiddleGroups(ctx context.Context, messages []message.Message, modelID, system string, target int) []message.Message {
	groups := message.GroupMessages(messages)
	const batchSize = 10

	for {
		tokens, err := c.tokenCount(ctx, message.Flatten(groups), modelID, system, nil)
		if err != nil || tokens <= target {
			break
		}
		if len(groups) <= c.cfg.MinGroupsToKeep {
			break
		}

		if len(groups) > 2*batchSize {
			mid := len(groups) / 2
			groups = append(groups[:mid], groups[mid+1:]...)
		} else {
			groups = groups[1:]
		}
	}
	return message.Flatten(groups)
}

// MiddleOut independently enforces MaxGroups by retaining a prefix and a
// suffix of groups, split roughly evenly. The cap is approximate, matching
// middle_out_messages: MaxGroups is a target on total *message* count, which
// gets translated into a target *group* count via the average group size
// (total messages / group count). For highly skewed group sizes — a few
// giant tool-call groups next to many single-message groups — that average
// is a poor predictor of any individual group's size, so the resulting
// message count can overshoot MaxGroups even though the group-count target
// itself is honored exactly. spec.md §9 asks this imprecision be preserved
// and documented, not silently fixed.
func (c *Compressor) MiddleOut(messages []message.Message) []message.Message {
	if len(messages) <= c.cfg.MaxGroups {
		return messages
	}

	groups := message.GroupMessages(messages)
	totalMessages := 0
	for _, g := range groups {
		totalMessages += len(g.Messages)
	}
	if totalMessages <= c.cfg.MaxGroups {
		return messages
	}

	avgGroupSize := float64(totalMessages) / float64(len(groups))
	if avgGroupSize <= 0 {
		avgGroupSize = 1
	}
	targetGroups := int(float64(c.cfg.MaxGroups) / avgGroupSize)
	if targetGroups < 4 {
		targetGroups = 4
	}
	if len(groups) <= targetGroups {
		return messages
	}

	headCount := targetGroups / 2
	tailCount := targetGroups - headCount
	if headCount < 1 {
		headCount = 1
	}
	if tailCount < 1 {
		tailCount = 1
	}
	if headCount+tailCount > len(groups) {
		return messages
	}

	head := groups[:headCount]
	tail := groups[len(groups)-tailCount:]
	kept := make([]message.Group, 0, headCount+tailCount)
	kept = append(kept, head...)
	kept = append(kept, tail...)
	return message.Flatten(kept)
}

// StripAllToolContent is the emergency fallback (§4.3), re-exported here for
// callers that reach the compressor for the full prompt-preparation pipeline.
func StripAllToolContent(messages []message.Message) []message.Message {
	return pairing.StripAllToolContent(messages)
}
