package pairing_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/pairing"
)

func TestValidatePairingOrphan(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleUser, Content: message.Text("hi")},
		{ID: "2", Role: message.RoleTool, ToolCallID: "ghost", Content: message.Text("x")},
	}
	result := pairing.ValidatePairing(msgs)
	require.False(t, result.Valid)
	require.Equal(t, []string{"ghost"}, result.Orphaned)
	require.Empty(t, result.Unanswered)
}

func TestValidatePairingUnanswered(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}}},
	}
	result := pairing.ValidatePairing(msgs)
	require.False(t, result.Valid)
	require.Equal(t, []string{"c1"}, result.Unanswered)
}

func TestRepairRemovesOrphanAndEmptiesAssistant(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleUser, Content: message.Text("hi")},
		{ID: "2", Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}}},
		{ID: "3", Role: message.RoleTool, ToolCallID: "ghost", Content: message.Text("x")},
	}
	repaired := pairing.Repair(msgs)
	result := pairing.ValidatePairing(repaired)
	require.True(t, result.Valid)
	// assistant message had no content and its only call was unanswered: dropped.
	require.Len(t, repaired, 1)
	require.Equal(t, "1", repaired[0].ID)
}

func TestRepairKeepsAssistantWithTextContent(t *testing.T) {
	msgs := []message.Message{
		{
			ID: "1", Role: message.RoleAssistant, Content: message.Text("thinking..."),
			ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}},
		},
	}
	repaired := pairing.Repair(msgs)
	require.Len(t, repaired, 1)
	require.Empty(t, repaired[0].ToolCalls)
	require.Equal(t, "thinking...", repaired[0].Content.AsText())
}

func TestStripAllToolContent(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleUser, Content: message.Text("hi")},
		{ID: "2", Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}}},
		{ID: "3", Role: message.RoleTool, ToolCallID: "c1", Content: message.Text("out")},
	}
	stripped := pairing.StripAllToolContent(msgs)
	require.Len(t, stripped, 2)
	for _, m := range stripped {
		require.Empty(t, m.ToolCalls)
		require.NotEqual(t, message.RoleTool, m.Role)
	}
}

func TestValidateOrderingDetectsSplitGroup(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}}},
		{ID: "2", Role: message.RoleUser, Content: message.Text("hang on")},
		{ID: "3", Role: message.RoleTool, ToolCallID: "c1", Content: message.Text("out")},
	}
	result := pairing.ValidateOrdering(msgs)
	require.False(t, result.Ordered)
	require.Equal(t, []string{"c1"}, result.OutOfOrder)
}
