// Package autocontinue implements the Auto-Continue Controller (C6, §4.6): a
// bounded loop of LLM iterations within one user turn, enforcing caps,
// classifying transport errors, and applying fallbacks (emergency tool-content
// stripping, model-overload fallback, transient backoff).
//
// Grounded on original_source/backend/core/agentpress/thread_manager.py's
// _execute_run's auto-continue loop and _handle_error's error-class
// dispatch, and on the credit-gate supplement in
// billing_integration.check_and_reserve_credits (SPEC_FULL.md supplement #4).
package autocontinue

import (
	"context"
	"time"

	"github.com/threadforge/agentpress/telemetry"
	"github.com/threadforge/agentpress/transport"
)

// CreditChecker gates each iteration on available billing credits. A
// checker that itself errors (as opposed to returning ok=false) fails open:
// the supplement in SPEC_FULL.md #4 states a credit-check failure must not
// stop the run, only an explicit insufficient-credit result does.
type CreditChecker interface {
	HasCredits(ctx context.Context, accountID string) (bool, error)
}

// FallbackResolver maps a model id to a configured fallback transport id for
// the overload error class (§4.6, SPEC_FULL.md supplement #5).
type FallbackResolver func(modelID string) (fallbackID string, ok bool)

// Config bounds the controller's loop and wires its collaborators.
type Config struct {
	// MaxIterations caps native auto-continue iterations per user turn.
	// Default 25.
	MaxIterations int
	// MaxErrorRetries caps each error class's retry counter independently.
	// Default 3.
	MaxErrorRetries int
	// CreditChecker is consulted before every iteration; nil disables the
	// credit gate.
	CreditChecker CreditChecker
	// FallbackResolver resolves an overload fallback transport id; nil makes
	// overload errors non-retryable (terminate with error).
	FallbackResolver FallbackResolver
	// Backoff computes the delay before retrying a transient error, given
	// the 1-indexed attempt number. Defaults to 250ms*attempt.
	Backoff func(attempt int) time.Duration
	// Logger overrides the default no-op logger.
	Logger telemetry.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.MaxErrorRetries <= 0 {
		c.MaxErrorRetries = 3
	}
	if c.Backoff == nil {
		c.Backoff = func(attempt int) time.Duration { return time.Duration(attempt) * 250 * time.Millisecond }
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	return c
}

// IterationResult is what one LLM call + stream-processing iteration
// reports back to the controller.
type IterationResult struct {
	FinishReason transport.FinishReason
}

// IterateFunc runs one iteration: build the prompt (applying
// stripToolContent if set), call the transport using modelID, process the
// stream, and persist the turn. A non-nil error is classified via
// transport.Classify.
type IterateFunc func(ctx context.Context, modelID string, stripToolContent bool) (IterationResult, error)

// Status is the terminal outcome of a Run call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Outcome is the controller's final report for one user turn.
type Outcome struct {
	Status       Status
	FinishReason transport.FinishReason
	Iterations   int
	Err          error
	// CapExhausted is true when MaxIterations was reached without a
	// terminal finish_reason, so the caller can emit the synthetic content
	// event §4.6 requires noting the cap.
	CapExhausted bool
}

// Run drives the bounded iteration loop described in §4.6's table, honoring
// cancel at every suspension point.
func Run(ctx context.Context, cfg Config, accountID, modelID string, cancel <-chan struct{}, iterate IterateFunc) Outcome {
	cfg = cfg.withDefaults()

	var (
		toolPairingRetries int
		overloadRetries    int
		transientRetries   int
		stripToolContent   bool
		currentModel       = modelID
	)

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		select {
		case <-cancel:
			return Outcome{Status: StatusStopped, Iterations: iteration}
		case <-ctx.Done():
			return Outcome{Status: StatusStopped, Iterations: iteration, Err: ctx.Err()}
		default:
		}

		if cfg.CreditChecker != nil {
			ok, err := cfg.CreditChecker.HasCredits(ctx, accountID)
			if err != nil {
				cfg.Logger.Warn(ctx, "credit check failed, continuing (fail-open)", "err", err)
			} else if !ok {
				return Outcome{Status: StatusStopped, Iterations: iteration}
			}
		}

		res, err := iterate(ctx, currentModel, stripToolContent)
		stripToolContent = false

		if err != nil {
			kind := transport.Classify(err)
			switch kind {
			case transport.KindNonRetryable:
				return Outcome{Status: StatusError, Iterations: iteration + 1, Err: err}

			case transport.KindToolPairing:
				toolPairingRetries++
				if toolPairingRetries > cfg.MaxErrorRetries {
					return Outcome{Status: StatusError, Iterations: iteration + 1, Err: err}
				}
				stripToolContent = true
				cfg.Logger.Info(ctx, "tool-pairing error, retrying with tool content stripped", "attempt", toolPairingRetries)
				continue

			case transport.KindOverload:
				overloadRetries++
				if overloadRetries > cfg.MaxErrorRetries {
					return Outcome{Status: StatusError, Iterations: iteration + 1, Err: err}
				}
				if cfg.FallbackResolver == nil {
					return Outcome{Status: StatusError, Iterations: iteration + 1, Err: err}
				}
				fallback, ok := cfg.FallbackResolver(currentModel)
				if !ok {
					return Outcome{Status: StatusError, Iterations: iteration + 1, Err: err}
				}
				cfg.Logger.Info(ctx, "overload error, switching to fallback model", "from", currentModel, "to", fallback)
				currentModel = fallback
				continue

			default: // KindTransient, KindUnknown
				transientRetries++
				if transientRetries > cfg.MaxErrorRetries {
					return Outcome{Status: StatusError, Iterations: iteration + 1, Err: err}
				}
				delay := cfg.Backoff(transientRetries)
				cfg.Logger.Info(ctx, "transient error, retrying after backoff", "attempt", transientRetries, "delay", delay)
				select {
				case <-time.After(delay):
				case <-cancel:
					return Outcome{Status: StatusStopped, Iterations: iteration + 1}
				case <-ctx.Done():
					return Outcome{Status: StatusStopped, Iterations: iteration + 1, Err: ctx.Err()}
				}
				continue
			}
		}

		switch res.FinishReason {
		case transport.FinishStop, transport.FinishAgentTerminated:
			return Outcome{Status: StatusCompleted, FinishReason: res.FinishReason, Iterations: iteration + 1}
		case transport.FinishToolCalls, transport.FinishLength:
			continue
		default: // xml_tool_limit_reached and any other terminal reason
			return Outcome{Status: StatusCompleted, FinishReason: res.FinishReason, Iterations: iteration + 1}
		}
	}

	return Outcome{Status: StatusCompleted, Iterations: cfg.MaxIterations, CapExhausted: true}
}
