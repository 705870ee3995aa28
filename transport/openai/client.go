// Package openai implements transport.Streamer against the OpenAI Chat
// Completions API, wiring github.com/openai/openai-go into this engine's
// transport boundary per SPEC_FULL.md's DOMAIN STACK section.
//
// Grounded on features/model/openai/client.go's ChatClient-narrowing,
// Options/New/NewFromAPIKey, and encodeTools/translateResponse split,
// adapted from a single non-streaming Complete call (and an explicit
// Stream-unsupported stub) to a chunk-streaming implementation of
// transport.Streamer, since this engine's processor (C5) always consumes a
// delta channel and has no non-streaming call path.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/transport"
)

// ChatClient captures the subset of the OpenAI SDK used by this adapter, so
// tests can substitute a mock in place of a live client.
type ChatClient interface {
	NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Client implements transport.Streamer on top of OpenAI Chat Completions.
type Client struct {
	chat      ChatClient
	maxTokens int
}

// New builds a Client from a Chat Completions client.
func New(chat ChatClient, maxTokens int) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{chat: chat, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Client using the default OpenAI HTTP client,
// matching features/model/openai/client.go's NewFromAPIKey convention.
func NewFromAPIKey(apiKey string, maxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, maxTokens)
}

// Stream implements transport.Streamer.
func (c *Client) Stream(ctx context.Context, messages []message.Message, modelID string, params transport.Params) (<-chan transport.Delta, error) {
	body, err := c.buildParams(messages, modelID, params)
	if err != nil {
		return nil, transport.NewError("openai", transport.KindNonRetryable, "building request", err)
	}

	stream := c.chat.NewStreaming(ctx, body)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	out := make(chan transport.Delta, 16)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		var usage transport.Usage
		toolNameByIndex := map[int64]bool{}
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage.PromptTokens = int(chunk.Usage.PromptTokens)
				usage.CompletionTokens = int(chunk.Usage.CompletionTokens)
				usage.CacheReadTokens = int(chunk.Usage.PromptTokensDetails.CachedTokens)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- transport.Delta{TextDelta: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					if !toolNameByIndex[tc.Index] && tc.Function.Name != "" {
						toolNameByIndex[tc.Index] = true
						out <- transport.Delta{ToolCallDelta: &transport.ToolCallDelta{
							Index: int(tc.Index), ID: tc.ID, Name: tc.Function.Name,
						}}
					}
					if tc.Function.Arguments != "" {
						out <- transport.Delta{ToolCallDelta: &transport.ToolCallDelta{
							Index: int(tc.Index), ArgumentsPart: tc.Function.Arguments,
						}}
					}
				}
				if choice.FinishReason != "" {
					out <- transport.Delta{FinishReason: mapFinishReason(choice.FinishReason), Usage: &usage}
				}
			}
		}
		// See the Anthropic adapter's equivalent note: a mid-stream SSE error has
		// nowhere to go on transport.Delta, so it ends the stream early here.
	}()
	return out, nil
}

func (c *Client) buildParams(messages []message.Message, modelID string, params transport.Params) (sdk.ChatCompletionNewParams, error) {
	encoded, err := encodeMessages(messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}

	maxTokens := c.maxTokens
	if params.MaxTokens != nil && *params.MaxTokens > 0 {
		maxTokens = *params.MaxTokens
	}

	body := sdk.ChatCompletionNewParams{
		Model:               modelID,
		Messages:            encoded,
		MaxCompletionTokens: sdk.Int(int64(maxTokens)),
		StreamOptions:       sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)},
	}
	if params.Temperature > 0 {
		body.Temperature = sdk.Float(params.Temperature)
	}
	if tools, err := encodeTools(params.Tools); err != nil {
		return sdk.ChatCompletionNewParams{}, err
	} else if len(tools) > 0 {
		body.Tools = tools
	}
	return body, nil
}

func encodeMessages(messages []message.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case message.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content.AsText()))
		case message.RoleUser:
			out = append(out, sdk.UserMessage(m.Content.AsText()))
		case message.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{
				Content: sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(m.Content.AsText()),
				},
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name: tc.Name, Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case message.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content.AsText(), m.ToolCallID))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(schemas []transport.ToolSchema) ([]sdk.ChatCompletionToolParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(schemas))
	for _, s := range schemas {
		var params map[string]any
		if len(s.Schema) > 0 {
			if err := json.Unmarshal(s.Schema, &params); err != nil {
				return nil, err
			}
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        s.Name,
				Description: sdk.String(s.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func mapFinishReason(reason string) transport.FinishReason {
	switch reason {
	case "stop":
		return transport.FinishStop
	case "length":
		return transport.FinishLength
	case "tool_calls":
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
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "503"), strings.Contains(lower, "capacity"):
		return transport.NewError("openai", transport.KindOverload, "provider overloaded", err)
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "400"):
		return transport.NewError("openai", transport.KindNonRetryable, "invalid request", err)
	default:
		return transport.NewError("openai", transport.KindTransient, "request failed", err)
	}
}
