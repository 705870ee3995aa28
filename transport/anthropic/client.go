// Package anthropic implements transport.Streamer and transport.CountTokens
// against the Anthropic Claude Messages API, wiring
// github.com/anthropics/anthropic-sdk-go into this engine's transport
// boundary per SPEC_FULL.md's DOMAIN STACK section.
//
// Grounded on features/model/anthropic/client.go's MessagesClient interface
// shape, request-building, and tool/name-sanitization helpers, adapted from
// goa-ai's model.Request/model.Response types to this engine's
// message.Message/transport.Delta types and re-targeted from a single
// non-streaming/streaming dual entrypoint to transport.Streamer's
// stream-only contract (C5 always consumes a delta channel).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/transport"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter uses, so tests can substitute a mock instead of a live client —
// the same pattern as features/model/anthropic/client.go's MessagesClient.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	CountTokens(ctx context.Context, body sdk.MessageCountTokensParams, opts ...option.RequestOption) (*sdk.MessageTokensCount, error)
}

// Client implements transport.Streamer and transport.CountTokens on top of
// Anthropic Claude Messages.
type Client struct {
	msg       MessagesClient
	maxTokens int
}

// New builds a Client from an Anthropic Messages client. maxTokens is the
// default completion cap used when transport.Params.MaxTokens is nil.
func New(msg MessagesClient, maxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP client,
// matching features/model/anthropic/client.go's NewFromAPIKey convention.
func NewFromAPIKey(apiKey string, maxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, maxTokens)
}

// Stream implements transport.Streamer.
func (c *Client) Stream(ctx context.Context, messages []message.Message, modelID string, params transport.Params) (<-chan transport.Delta, error) {
	body, err := c.buildParams(messages, modelID, params)
	if err != nil {
		return nil, transport.NewError("anthropic", transport.KindNonRetryable, "building request", err)
	}

	stream := c.msg.NewStreaming(ctx, body)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	out := make(chan transport.Delta, 16)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		var usage transport.Usage
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				if tu := event.ContentBlock.AsToolUse(); tu.Type == "tool_use" {
					out <- transport.Delta{ToolCallDelta: &transport.ToolCallDelta{
						Index: int(event.Index), ID: tu.ID, Name: tu.Name,
					}}
				}
			case "content_block_delta":
				delta := event.Delta
				if text := delta.AsTextDelta(); text.Type == "text_delta" {
					out <- transport.Delta{TextDelta: text.Text}
				}
				if in := delta.AsInputJSONDelta(); in.Type == "input_json_delta" {
					out <- transport.Delta{ToolCallDelta: &transport.ToolCallDelta{
						Index: int(event.Index), ArgumentsPart: in.PartialJSON,
					}}
				}
			case "message_delta":
				usage.CompletionTokens += int(event.Usage.OutputTokens)
				if reason := string(event.Delta.StopReason); reason != "" {
					out <- transport.Delta{FinishReason: mapStopReason(reason), Usage: &usage}
				}
			case "message_start":
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
				usage.CacheReadTokens = int(event.Message.Usage.CacheReadInputTokens)
				usage.CacheCreationTokens = int(event.Message.Usage.CacheCreationInputTokens)
			}
		}
		// A mid-stream SSE error cannot be carried on transport.Delta (no error
		// field) without widening the processor's contract; this reference
		// adapter ends the stream early on such a failure, leaving whatever
		// finish_reason (if any) was already emitted.
	}()
	return out, nil
}

// CountTokens implements transport.CountTokens using Anthropic's native
// token-counting endpoint, the first tier of the Token Accountant (C1).
func (c *Client) CountTokens(ctx context.Context, messages []message.Message, system string, modelID string) (int, error) {
	msgs, sysBlocks, err := encodeMessages(messages)
	if err != nil {
		return 0, err
	}
	if system != "" {
		sysBlocks = append([]sdk.TextBlockParam{{Text: system}}, sysBlocks...)
	}
	body := sdk.MessageCountTokensParams{
		Model:    sdk.Model(modelID),
		Messages: msgs,
	}
	if len(sysBlocks) > 0 {
		body.System = sdk.MessageCountTokensParamsSystemUnion{OfTextBlockArray: sysBlocks}
	}
	res, err := c.msg.CountTokens(ctx, body)
	if err != nil {
		return 0, err
	}
	return int(res.InputTokens), nil
}

func (c *Client) buildParams(messages []message.Message, modelID string, params transport.Params) (sdk.MessageNewParams, error) {
	msgs, system, err := encodeMessages(messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := c.maxTokens
	if params.MaxTokens != nil && *params.MaxTokens > 0 {
		maxTokens = *params.MaxTokens
	}

	body := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		body.System = system
	}
	if params.Temperature > 0 {
		body.Temperature = sdk.Float(params.Temperature)
	}
	if len(params.Tools) > 0 {
		body.Tools = encodeTools(params.Tools)
	}
	return body, nil
}

// encodeMessages translates the engine's message list into Anthropic's
// conversation + system-blocks shape, matching
// features/model/anthropic/client.go's encodeMessages split.
func encodeMessages(messages []message.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	var system []sdk.TextBlockParam

	for _, m := range messages {
		switch m.Role {
		case message.RoleSystem:
			if text := m.Content.AsText(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
		case message.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(encodeBlocks(m)...))
		case message.RoleAssistant:
			blocks := encodeBlocks(m)
			for _, tc := range m.ToolCalls {
				var args any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case message.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content.AsText(), false),
			))
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeBlocks(m message.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	for _, b := range m.Content.AsBlocks() {
		switch blk := b.(type) {
		case message.TextBlock:
			if blk.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(blk.Text))
			}
		case message.ImageBlock:
			blocks = append(blocks, sdk.NewImageBlock(sdk.NewBase64ImageSourceParam(blk.MediaType, blk.URL)))
		}
	}
	return blocks
}

func encodeTools(schemas []transport.ToolSchema) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var schemaMap map[string]any
		if len(s.Schema) > 0 {
			_ = json.Unmarshal(s.Schema, &schemaMap)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaMap}, s.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(s.Description)
		}
		out = append(out, u)
	}
	return out
}

func mapStopReason(reason string) transport.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return transport.FinishStop
	case "max_tokens":
		return transport.FinishLength
	case "tool_use":
		return transport.FinishToolCalls
	default:
		return transport.FinishStop
	}
}

func classify(err error) *transport.Error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "529"):
		return transport.NewError("anthropic", transport.KindOverload, "provider overloaded", err)
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "400"):
		return transport.NewError("anthropic", transport.KindNonRetryable, "invalid request", err)
	default:
		return transport.NewError("anthropic", transport.KindTransient, "request failed", err)
	}
}
