package bedrock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/transport"
)

func TestNewRejectsNilRuntime(t *testing.T) {
	_, err := New(nil, 1024)
	require.Error(t, err)
}

func TestEncodeMessagesRequiresAtLeastOne(t *testing.T) {
	_, _, err := encodeMessages(nil, nil)
	require.Error(t, err)
}

func TestEncodeMessagesSplitsSystem(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleSystem, Content: message.Text("be terse")},
		{Role: message.RoleUser, Content: message.Text("hi")},
	}
	conv, system, err := encodeMessages(msgs, nil)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.Len(t, system, 1)
}

func TestEncodeMessagesEncodesToolCallAndResult(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "tc1", Name: "search", Arguments: `{"q":"go"}`}}},
		{Role: message.RoleTool, ToolCallID: "tc1", Content: message.Text("result")},
	}
	conv, _, err := encodeMessages(msgs, map[string]string{"search": "search"})
	require.NoError(t, err)
	require.Len(t, conv, 3)
}

func TestSanitizeToolNameReplacesDisallowedRunes(t *testing.T) {
	require.Equal(t, "toolset_tool", sanitizeToolName("toolset.tool"))
}

func TestSanitizeToolNameTruncatesLongNames(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	out := sanitizeToolName(long)
	require.LessOrEqual(t, len(out), 64)
}

func TestEncodeToolsBuildsNameMaps(t *testing.T) {
	schemas := []transport.ToolSchema{{Name: "search.web", Description: "search the web"}}
	cfg, toSan, toCanon, err := encodeTools(schemas)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "search_web", toSan["search.web"])
	require.Equal(t, "search.web", toCanon["search_web"])
}

func TestMapStopReasonDefaultsToStop(t *testing.T) {
	require.Equal(t, transport.FinishStop, mapStopReason("unrecognized"))
}
