// Package modelreg implements the process-wide Model Registry (§6): model
// descriptors, context-window-derived budgets, and the capability checks C7
// uses to decide vision-model switching and native tool-calling support.
package modelreg

import "strings"

// Descriptor is the Model Descriptor (§3): id, provider, context window,
// capability set, pricing, and the transport-level id used by the LLM
// gateway.
type Descriptor struct {
	ID               string
	Provider         string
	ContextWindow    int
	SupportsVision   bool
	NativeToolCalls  bool
	PromptCaching    bool
	Reasoning        bool
	PriceInput       float64
	PriceOutput      float64
	PriceCacheRead   float64
	PriceCacheWrite  float64
	TransportID      string
}

// Registry is the process-wide lookup populated once at startup (§3
// Lifecycles: "Model and Tool descriptors are process-wide, initialized once
// at startup").
type Registry struct {
	models map[string]Descriptor
}

// New constructs a Registry from a seed set of descriptors, keyed by ID.
func New(descriptors ...Descriptor) *Registry {
	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		m[d.ID] = d
	}
	return &Registry{models: m}
}

// Get returns the descriptor for id, and whether it was found.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.models[id]
	return d, ok
}

// ContextWindow returns the model's context window, or 0 if unknown.
func (r *Registry) ContextWindow(id string) int {
	d, _ := r.models[id]
	return d.ContextWindow
}

// SupportsVision reports whether id natively accepts image content.
func (r *Registry) SupportsVision(id string) bool {
	d, ok := r.models[id]
	return ok && d.SupportsVision
}

// TransportID returns the gateway-facing id for id, or id itself if no
// descriptor is registered (fail open so an unregistered model id still
// reaches the transport).
func (r *Registry) TransportID(id string) string {
	if d, ok := r.models[id]; ok && d.TransportID != "" {
		return d.TransportID
	}
	return id
}

// Pricing returns the per-token price tuple for id.
func (r *Registry) Pricing(id string) (input, output, cacheRead, cacheWrite float64) {
	d := r.models[id]
	return d.PriceInput, d.PriceOutput, d.PriceCacheRead, d.PriceCacheWrite
}

// MaxTokens computes the usable prompt budget for a context window of size W,
// reserving output headroom by tier (§4.2 Budgeting):
//
//	W ≥ 1M   → W − 300k
//	W ≥ 400k → W − 64k
//	W ≥ 200k → W − 32k
//	W ≥ 100k → W − 16k
//	else     → ⌊0.84·W⌋
//
// The smallest tier is implemented as spec.md states it literally, even
// though the original Python source uses a flat W−8000 for that tier — see
// SPEC_FULL.md's Open Question Resolutions.
func MaxTokens(contextWindow int) int {
	switch {
	case contextWindow >= 1_000_000:
		return contextWindow - 300_000
	case contextWindow >= 400_000:
		return contextWindow - 64_000
	case contextWindow >= 200_000:
		return contextWindow - 32_000
	case contextWindow >= 100_000:
		return contextWindow - 16_000
	default:
		return int(float64(contextWindow) * 0.84)
	}
}

// Family extracts the coarse provider family from a model id, used by the
// auto-continue fallback resolver to pick an overload-fallback transport.
func Family(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "claude-") || strings.Contains(modelID, "anthropic"):
		return "anthropic"
	case strings.HasPrefix(modelID, "gpt-") || strings.Contains(modelID, "openai"):
		return "openai"
	case strings.Contains(modelID, "bedrock"):
		return "bedrock"
	default:
		return "unknown"
	}
}
