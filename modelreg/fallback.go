package modelreg

import "strings"

// stripAnthropicDateSuffix removes the "-YYYYMMDD" style suffix the source
// strips before re-prefixing a model id for the openrouter fallback path,
// mirroring thread_manager.py's `llm_model.rsplit("-", 1)` heuristic: only a
// trailing numeric segment is treated as a date suffix, so an id with no
// such suffix is passed through unchanged.
func stripAnthropicDateSuffix(modelID string) string {
	idx := strings.LastIndex(modelID, "-")
	if idx < 0 || idx == len(modelID)-1 {
		return modelID
	}
	suffix := modelID[idx+1:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return modelID
		}
	}
	return modelID[:idx]
}

// DefaultFallbackTable is consulted by DefaultFallbackResolver for families
// other than Anthropic, where no generic rewrite rule applies.
var DefaultFallbackTable = map[string]string{
	"gpt-4o":       "openrouter/openai/gpt-4o",
	"gpt-4o-mini":  "openrouter/openai/gpt-4o-mini",
}

// DefaultFallbackResolver implements the auto-continue overload fallback
// (SPEC_FULL.md supplement #5): for the Anthropic family it strips a
// trailing date suffix and re-prefixes with "openrouter/anthropic/",
// matching `llm_model = f"openrouter/{llm_model.rsplit('-claude', 1)[0]...}"`'s
// intent of routing an overloaded first-party call through a fallback
// gateway that fans out to multiple backing providers. Other families fall
// back to a static table lookup.
func DefaultFallbackResolver(modelID string) (string, bool) {
	switch Family(modelID) {
	case "anthropic":
		base := stripAnthropicDateSuffix(modelID)
		return "openrouter/anthropic/" + base, true
	default:
		id, ok := DefaultFallbackTable[modelID]
		return id, ok
	}
}
