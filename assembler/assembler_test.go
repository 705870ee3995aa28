package assembler_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadforge/agentpress/assembler"
	"github.com/threadforge/agentpress/message"
)

func TestAssembleOrdersSystemMemoryHistory(t *testing.T) {
	a := assembler.New()
	memory := &message.Message{ID: "mem", Content: message.Text("project context")}
	history := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: message.Text("hello")},
	}

	out := a.Assemble("you are an agent", memory, history, false)

	require.Len(t, out.Messages, 3)
	require.Equal(t, message.RoleSystem, out.Messages[0].Role)
	require.Equal(t, "you are an agent", out.Messages[0].Content.AsText())
	require.Equal(t, "mem", out.Messages[1].ID)
	require.Equal(t, "u1", out.Messages[2].ID)
}

func TestAssembleFiltersEmptyUserMessages(t *testing.T) {
	a := assembler.New()
	history := []message.Message{
		{ID: "empty", Role: message.RoleUser, Content: message.Text("")},
		{ID: "u1", Role: message.RoleUser, Content: message.Text("hi")},
	}
	out := a.Assemble("sys", nil, history, false)
	require.Len(t, out.Messages, 2)
	require.Equal(t, "u1", out.Messages[1].ID)
}

func TestNormalizeToolCallsCanonicalizesAndDropsInvalid(t *testing.T) {
	messages := []message.Message{
		{
			Role: message.RoleAssistant,
			ToolCalls: []message.ToolCall{
				{ID: "1", Name: "search", Arguments: `{"b":2,"a":1}`},
				{ID: "2", Name: "bad", Arguments: `not json`},
			},
		},
	}
	out := assembler.NormalizeToolCalls(messages)
	require.Len(t, out[0].ToolCalls, 1)
	require.Equal(t, "1", out[0].ToolCalls[0].ID)
	require.Equal(t, `{"a":1,"b":2}`, out[0].ToolCalls[0].Arguments)
}

func TestCacheMarkersStayWithinBoundsAndIncreasing(t *testing.T) {
	a := assembler.New()
	var history []message.Message
	for i := 0; i < 40; i++ {
		history = append(history, message.Message{ID: string(rune('a' + i)), Role: message.RoleUser, Content: message.Text("m")})
	}
	out := a.Assemble("sys", nil, history, true)

	require.NotEmpty(t, out.CacheMarkers)
	require.LessOrEqual(t, len(out.CacheMarkers), 4)
	last := -1
	for _, m := range out.CacheMarkers {
		require.Greater(t, m.MessageIndex, last)
		require.Less(t, m.MessageIndex, len(out.Messages))
		last = m.MessageIndex
	}
}
