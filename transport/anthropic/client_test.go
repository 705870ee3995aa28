package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/threadforge/agentpress/message"
)

type fakeMessagesClient struct {
	countTokensResult *sdk.MessageTokensCount
	countTokensErr    error
}

func (f *fakeMessagesClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	// Not exercised directly: these tests cover request-building and
	// classification, not live SSE decoding.
	return nil
}

func (f *fakeMessagesClient) CountTokens(ctx context.Context, body sdk.MessageCountTokensParams, opts ...option.RequestOption) (*sdk.MessageTokensCount, error) {
	return f.countTokensResult, f.countTokensErr
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil, 1024)
	require.Error(t, err)
}

func TestNewDefaultsMaxTokens(t *testing.T) {
	c, err := New(&fakeMessagesClient{}, 0)
	require.NoError(t, err)
	require.Equal(t, 4096, c.maxTokens)
}

func TestEncodeMessagesRequiresAtLeastOneMessage(t *testing.T) {
	_, _, err := encodeMessages(nil)
	require.Error(t, err)
}

func TestEncodeMessagesSplitsSystemFromConversation(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleSystem, Content: message.Text("be terse")},
		{Role: message.RoleUser, Content: message.Text("hi")},
	}
	conv, system, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.Len(t, system, 1)
	require.Equal(t, "be terse", system[0].Text)
}

func TestEncodeMessagesEncodesToolResult(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{{ID: "tc1", Name: "search", Arguments: `{"q":"go"}`}}},
		{Role: message.RoleTool, ToolCallID: "tc1", Content: message.Text("result")},
	}
	conv, _, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, conv, 3)
}

func TestMapStopReason(t *testing.T) {
	require.Equal(t, "stop", string(mapStopReason("end_turn")))
	require.Equal(t, "length", string(mapStopReason("max_tokens")))
	require.Equal(t, "tool_calls", string(mapStopReason("tool_use")))
	require.Equal(t, "stop", string(mapStopReason("unknown_reason")))
}

func TestClassifyOverload(t *testing.T) {
	err := classify(errOf("529 overloaded_error"))
	require.Equal(t, "overload", err.Kind().String())
}

func TestClassifyNonRetryable(t *testing.T) {
	err := classify(errOf("400 invalid_request_error: model is invalid"))
	require.Equal(t, "non_retryable", err.Kind().String())
}

func TestClassifyTransientDefault(t *testing.T) {
	err := classify(errOf("connection reset by peer"))
	require.Equal(t, "transient", err.Kind().String())
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func errOf(s string) error { return simpleErr(s) }
