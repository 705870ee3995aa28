package message_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadforge/agentpress/message"
)

func TestGroupMessages(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleSystem, Content: message.Text("sys")},
		{ID: "2", Role: message.RoleUser, Content: message.Text("hi")},
		{
			ID: "3", Role: message.RoleAssistant, Content: message.Text(""),
			ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}, {ID: "c2", Name: "cat"}},
		},
		{ID: "4", Role: message.RoleTool, ToolCallID: "c1", Content: message.Text("out1")},
		{ID: "5", Role: message.RoleTool, ToolCallID: "c2", Content: message.Text("out2")},
		{ID: "6", Role: message.RoleAssistant, Content: message.Text("done")},
	}

	groups := message.GroupMessages(msgs)
	require.Len(t, groups, 4)
	require.False(t, groups[0].IsToolGroup())
	require.False(t, groups[1].IsToolGroup())
	require.True(t, groups[2].IsToolGroup())
	require.Len(t, groups[2].Messages, 3)
	require.False(t, groups[3].IsToolGroup())

	require.Equal(t, msgs, message.Flatten(groups))
}

func TestGroupMessagesUnansweredToolCall(t *testing.T) {
	msgs := []message.Message{
		{ID: "1", Role: message.RoleUser, Content: message.Text("hi")},
		{ID: "2", Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "c1", Name: "ls"}}},
	}
	groups := message.GroupMessages(msgs)
	require.Len(t, groups, 2)
	require.True(t, groups[1].IsToolGroup())
	require.Len(t, groups[1].Messages, 1)
}

func TestContentAsText(t *testing.T) {
	c := message.Blocks(message.TextBlock{Text: "a"}, message.ImageBlock{URL: "u"}, message.TextBlock{Text: "b"})
	require.Equal(t, "ab", c.AsText())
	require.True(t, c.HasImage())
	require.False(t, message.Text("x").HasImage())
}
