package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/threadforge/agentpress/message"
)

type fakeChatClient struct{}

func (f *fakeChatClient) NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	return nil
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil, 1024)
	require.Error(t, err)
}

func TestNewDefaultsMaxTokens(t *testing.T) {
	c, err := New(&fakeChatClient{}, 0)
	require.NoError(t, err)
	require.Equal(t, 4096, c.maxTokens)
}

func TestEncodeMessagesRequiresAtLeastOneMessage(t *testing.T) {
	_, err := encodeMessages(nil)
	require.Error(t, err)
}

func TestEncodeMessagesCoversAllRoles(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleSystem, Content: message.Text("be terse")},
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "tc1", Name: "search", Arguments: `{"q":"go"}`}}},
		{Role: message.RoleTool, ToolCallID: "tc1", Content: message.Text("result")},
	}
	out, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 4)
}

func TestEncodeToolsSkipsWhenEmpty(t *testing.T) {
	out, err := encodeTools(nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestMapFinishReason(t *testing.T) {
	require.Equal(t, "stop", string(mapFinishReason("stop")))
	require.Equal(t, "length", string(mapFinishReason("length")))
	require.Equal(t, "tool_calls", string(mapFinishReason("tool_calls")))
	require.Equal(t, "stop", string(mapFinishReason("other")))
}

func TestClassifyOverload(t *testing.T) {
	err := classify(simpleErr("503 capacity exceeded"))
	require.Equal(t, "overload", err.Kind().String())
}

func TestClassifyNonRetryable(t *testing.T) {
	err := classify(simpleErr("400 invalid request: model not found"))
	require.Equal(t, "non_retryable", err.Kind().String())
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
