// Package bounds describes how a tool result has been bounded relative to
// the full underlying data set it summarizes (§6: "large outputs are the
// caller's responsibility to trim" — tools that truncate internally report
// the truncation shape here instead of silently returning a partial view).
//
// Grounded on runtime/agent/bounds.go, carried over unchanged: the contract
// is provider- and tool-agnostic by design, so nothing in this spec's
// domain needs to change its shape.
package bounds

import "encoding/json"

// Bounds reports how many items a tool result view contains relative to the
// full result set, and whether the view was truncated.
type Bounds struct {
	// Returned is the number of items or points present in the bounded view.
	Returned int `json:"returned"`
	// Total, when non-nil, is the best-effort total before truncation.
	Total *int `json:"total,omitempty"`
	// Truncated indicates whether any cap (length, window, depth) was applied.
	Truncated bool `json:"truncated"`
	// RefinementHint is short, human-readable guidance on how to narrow the
	// query when Truncated is true.
	RefinementHint string `json:"refinement_hint,omitempty"`
}

// BoundedResult is implemented by tool result types that expose their own
// boundedness metadata. Callers that decode a tool's JSON result into a
// typed value should prefer this interface over heuristic field inspection.
type BoundedResult interface {
	Bounds() Bounds
}

// FromResultJSON extracts a tool result's boundedness metadata, if the
// executor's JSON-serializable result embeds one under a top-level "bounds"
// key (the convention this package's executors use to report a truncated
// view without the dispatcher needing to decode the whole result into a
// typed BoundedResult). Returns false if resultJSON isn't a JSON object or
// carries no "bounds" key, in which case the caller treats the result as
// unbounded.
func FromResultJSON(resultJSON string) (Bounds, bool) {
	var envelope struct {
		Bounds *Bounds `json:"bounds"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &envelope); err != nil || envelope.Bounds == nil {
		return Bounds{}, false
	}
	return *envelope.Bounds, true
}
