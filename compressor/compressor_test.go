package compressor_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadforge/agentpress/accountant"
	"github.com/threadforge/agentpress/compressor"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/modelreg"
)

func smallWindowRegistry() *modelreg.Registry {
	return modelreg.New(modelreg.Descriptor{ID: "tiny-model", Provider: "unknown", ContextWindow: 2000})
}

func TestCompressSkipsWhenUnderBudget(t *testing.T) {
	reg := smallWindowRegistry()
	a := accountant.New(reg)
	c := compressor.New(a, reg)

	messages := []message.Message{
		{ID: "1", Role: message.RoleUser, Content: message.Text("hi")},
	}
	out, err := c.Compress(context.Background(), messages, "tiny-model", "", nil)
	require.NoError(t, err)
	require.Equal(t, messages, out)
}

func TestCompressForcedOverBudgetShrinksToolOutputs(t *testing.T) {
	reg := smallWindowRegistry()
	a := accountant.New(reg)
	c := compressor.New(a, reg)

	var messages []message.Message
	for i := 0; i < 20; i++ {
		id := "tool-" + string(rune('a'+i))
		messages = append(messages,
			message.Message{
				ID:   "call-" + id,
				Role: message.RoleAssistant,
				ToolCalls: []message.ToolCall{
					{ID: id, Name: "search", Arguments: `{"q":"x"}`},
				},
			},
			message.Message{
				ID:         "result-" + id,
				Role:       message.RoleTool,
				ToolCallID: id,
				Content:    message.Text(strings.Repeat("large tool output content ", 500)),
			},
		)
	}

	forcedTotal := 1_000_000
	out, err := c.Compress(context.Background(), messages, "tiny-model", "", &forcedTotal)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	compressedCount := 0
	for _, m := range out {
		if m.IsToolResult() && strings.Contains(m.Content.AsText(), "Tool output compressed for token management") {
			compressedCount++
		}
	}
	require.Greater(t, compressedCount, 0, "at least some old tool outputs should be summarized")
}

func TestCompressPreservesPairingInvariant(t *testing.T) {
	reg := smallWindowRegistry()
	a := accountant.New(reg)
	c := compressor.New(a, reg)

	var messages []message.Message
	for i := 0; i < 30; i++ {
		id := "c" + string(rune('a'+i))
		messages = append(messages,
			message.Message{ID: "u-" + id, Role: message.RoleUser, Content: message.Text(strings.Repeat("question text ", 200))},
			message.Message{
				ID:        "a-" + id,
				Role:      message.RoleAssistant,
				ToolCalls: []message.ToolCall{{ID: id, Name: "lookup", Arguments: `{}`}},
			},
			message.Message{ID: "t-" + id, Role: message.RoleTool, ToolCallID: id, Content: message.Text(strings.Repeat("result text ", 200))},
		)
	}

	forcedTotal := 5_000_000
	out, err := c.Compress(context.Background(), messages, "tiny-model", "", &forcedTotal)
	require.NoError(t, err)

	for _, g := range message.GroupMessages(out) {
		if g.IsToolGroup() {
			declared := map[string]bool{}
			for _, tc := range g.Messages[0].ToolCalls {
				declared[tc.ID] = true
			}
			answered := map[string]bool{}
			for _, m := range g.Messages[1:] {
				answered[m.ToolCallID] = true
			}
			require.Equal(t, declared, answered, "every remaining declared call must be answered within its group")
		}
	}
}

func TestMiddleOutCapsGroupCount(t *testing.T) {
	reg := smallWindowRegistry()
	a := accountant.New(reg)
	cfg := compressor.DefaultConfig()
	cfg.MaxGroups = 10
	c := compressor.New(a, reg, compressor.WithConfig(cfg))

	var messages []message.Message
	for i := 0; i < 50; i++ {
		messages = append(messages, message.Message{ID: string(rune('a' + i)), Role: message.RoleUser, Content: message.Text("m")})
	}

	out := c.MiddleOut(messages)
	groups := message.GroupMessages(out)
	require.LessOrEqual(t, len(groups), cfg.MaxGroups)
	require.Greater(t, len(groups), 0)
}

func TestMiddleOutGroupCountCapIsApproximateForSkewedGroups(t *testing.T) {
	reg := smallWindowRegistry()
	a := accountant.New(reg)
	cfg := compressor.DefaultConfig()
	cfg.MaxGroups = 20
	c := compressor.New(a, reg, compressor.WithConfig(cfg))

	// A handful of large tool-call groups (assistant + 9 tool results each)
	// mixed with many single-message groups: the average-group-size estimate
	// used to translate MaxGroups (a message-count target) into a group-count
	// target is skewed by the large groups, so the kept message count can
	// exceed MaxGroups even though the kept *group* count does not exceed
	// the group-count target computed from the (skewed) average.
	var messages []message.Message
	for i := 0; i < 5; i++ {
		id := string(rune('A' + i))
		var calls []message.ToolCall
		for j := 0; j < 9; j++ {
			calls = append(calls, message.ToolCall{ID: id + string(rune('0'+j)), Name: "t", Arguments: "{}"})
		}
		messages = append(messages, message.Message{ID: id, Role: message.RoleAssistant, ToolCalls: calls})
		for _, tc := range calls {
			messages = append(messages, message.Message{ID: tc.ID + "-r", Role: message.RoleTool, ToolCallID: tc.ID, Content: message.Text("ok")})
		}
	}
	for i := 0; i < 50; i++ {
		messages = append(messages, message.Message{ID: "u" + string(rune('a'+i)), Role: message.RoleUser, Content: message.Text("m")})
	}

	out := c.MiddleOut(messages)
	groups := message.GroupMessages(out)

	totalMessages := 0
	for _, g := range groups {
		totalMessages += len(g.Messages)
	}
	require.Greater(t, totalMessages, cfg.MaxGroups, "skewed large groups should make the approximate cap overshoot the message-count target")
}

func TestTruncateHeadAddsMarker(t *testing.T) {
	reg := smallWindowRegistry()
	a := accountant.New(reg)
	_ = compressor.New(a, reg)
	// truncateHead is reached through Compress: u1 is older than the user
	// recency window and over HeadTruncateChars, so it is head-truncated.
	messages := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: message.Text(strings.Repeat("x", 5000))},
	}
	for i := 0; i < 15; i++ {
		messages = append(messages, message.Message{ID: "u" + string(rune('a'+i)), Role: message.RoleUser, Content: message.Text("short")})
	}
	c := compressor.New(a, reg)
	forced := 1_000_000
	out, err := c.Compress(context.Background(), messages, "tiny-model", "", &forced)
	require.NoError(t, err)
	require.Equal(t, "u1", out[0].ID)
	require.True(t, strings.HasSuffix(out[0].Content.AsText(), "... (truncated)"))
}
