// Package transport defines the LLM transport boundary (§6): the streaming
// interface the orchestrator drives, and the structured error taxonomy (§4.6,
// §7, §9) every transport failure is classified into exactly once, at this
// boundary.
//
// Grounded on runtime/agent/model/provider_error.go's ProviderErrorKind /
// ProviderError shape, generalized to the four-way classification spec.md
// §4.6 requires (non-retryable, tool-pairing, overload, other-transient)
// instead of the teacher's five-way auth/invalid/rate-limited/unavailable/
// unknown kind set.
package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a transport failure for the Auto-Continue Controller
// (C6). Classification happens once, here, rather than via repeated
// string-matching at call sites.
type ErrorKind int

const (
	// KindUnknown is the zero value; the Auto-Continue Controller retries it
	// with backoff, the same as KindTransient.
	KindUnknown ErrorKind = iota
	// KindNonRetryable covers validation failures, malformed requests, and
	// 400-class responses: the run terminates immediately with an error.
	KindNonRetryable
	// KindToolPairing covers a provider rejecting message structure (orphaned
	// or unanswered tool calls it refuses to process): retried once the
	// emergency fallback (pairing.StripAllToolContent) has been applied.
	KindToolPairing
	// KindOverload covers provider capacity errors (529-like): retried
	// against a configured fallback transport id.
	KindOverload
	// KindTransient covers any other retryable failure: retried with backoff.
	KindTransient
)

// String renders the kind for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindNonRetryable:
		return "non_retryable"
	case KindToolPairing:
		return "tool_pairing"
	case KindOverload:
		return "overload"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a structured transport failure. Providers should construct it with
// NewError at the point they detect a failure; nothing downstream should
// re-derive the kind by inspecting Error() text, except the deliberately
// preserved substring fallback in classifyLegacy (see package doc on §9).
type Error struct {
	provider string
	kind     ErrorKind
	message  string
	cause    error
}

// NewError constructs a transport Error. Provider and message are required;
// NewError panics if either is empty, matching model.NewProviderError's
// fail-fast-on-programmer-error contract.
func NewError(provider string, kind ErrorKind, message string, cause error) *Error {
	if provider == "" {
		panic("transport: provider is required")
	}
	if message == "" {
		panic("transport: message is required")
	}
	return &Error{provider: provider, kind: kind, message: message, cause: cause}
}

// Provider returns the transport that produced the error.
func (e *Error) Provider() string { return e.provider }

// Kind returns the classified error kind.
func (e *Error) Kind() ErrorKind { return e.kind }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.provider, e.message, e.kind, e.cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.provider, e.message, e.kind)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a *Error from err via errors.As.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Classify determines the ErrorKind for an arbitrary transport-layer error.
// It prefers the structured kind when err wraps a *Error; otherwise it falls
// back to substring matching against known provider error text, exactly
// mirroring the source's fragile classifier intent per spec.md §9: the
// structured path is the fix, the substring path is kept so a provider error
// that was never threaded through NewError is still classified instead of
// silently treated as fatal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if te, ok := AsError(err); ok {
		return te.Kind()
	}
	return classifyLegacy(err.Error())
}

func classifyLegacy(errText string) ErrorKind {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "tool call result does not follow tool call"),
		strings.Contains(lower, "tool_call_id"):
		return KindToolPairing
	case strings.Contains(lower, "badrequesterror"),
		strings.Contains(lower, "is blank"),
		strings.Contains(lower, "400"),
		strings.Contains(lower, "validation"),
		strings.Contains(lower, "invalid"):
		return KindNonRetryable
	case strings.Contains(lower, "overloaded"):
		return KindOverload
	default:
		return KindTransient
	}
}
