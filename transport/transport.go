package transport

import (
	"context"

	"github.com/threadforge/agentpress/message"
)

// FinishReason mirrors §4.5/§4.6's finish_reason vocabulary.
type FinishReason string

const (
	FinishStop                FinishReason = "stop"
	FinishLength               FinishReason = "length"
	FinishToolCalls            FinishReason = "tool_calls"
	FinishAgentTerminated      FinishReason = "agent_terminated"
	FinishXMLToolLimitReached  FinishReason = "xml_tool_limit_reached"
)

// Usage is the provider-reported token usage for one LLM call. Estimated is
// set when the LLM did not return usage and the accountant filled it in.
type Usage struct {
	PromptTokens        int
	CompletionTokens     int
	CacheReadTokens      int
	CacheCreationTokens int
	Estimated            bool
}

// ToolCallDelta is an incremental fragment of a native tool-call the
// processor reassembles into a complete message.ToolCall.
type ToolCallDelta struct {
	Index         int
	ID            string
	Name          string
	ArgumentsPart string
}

// Delta is one incremental unit from a streaming LLM call.
type Delta struct {
	// TextDelta is incremental assistant text, if any.
	TextDelta string
	// ToolCallDelta is a native tool-call fragment, if any.
	ToolCallDelta *ToolCallDelta
	// FinishReason is set on the terminal delta of the stream.
	FinishReason FinishReason
	// Usage is set on the terminal delta when the provider reports it.
	Usage *Usage
}

// Params bundles the per-call request parameters the orchestrator supplies.
type Params struct {
	Temperature float64
	MaxTokens   *int
	Tools       []ToolSchema
	ToolChoice  string // "auto" | "required" | "none"
	Stop        []string
}

// ToolSchema is the provider-facing JSON-schema shape for one registered tool.
type ToolSchema struct {
	Name        string
	Description string
	Schema      []byte
}

// Streamer is the LLM transport interface (§6): stream(messages, model_id,
// params) → async stream of deltas. Implementations classify every
// terminal/non-terminal error into a *Error before returning it.
type Streamer interface {
	Stream(ctx context.Context, messages []message.Message, modelID string, params Params) (<-chan Delta, error)
}

// CountTokens is the provider-native counting contract used by the Token
// Accountant's first tier (C1 §4.1): route to the official counting endpoint
// when available.
type CountTokens interface {
	CountTokens(ctx context.Context, messages []message.Message, system string, modelID string) (int, error)
}
