// Package billing implements the Billing sink (§6): recording a turn's
// UsageReport against an account, idempotent on message id, and designed to
// never fail the calling turn.
//
// Grounded on original_source/backend/core/agentpress/thread_manager.py's
// _handle_billing (cache_read/cache_creation extraction, estimated/fallback
// usage-type tagging, best-effort recording that never aborts the run on
// failure).
package billing

import (
	"context"

	"github.com/threadforge/agentpress/telemetry"
	"github.com/threadforge/agentpress/transport"
)

// Record is a single billing write.
type Record struct {
	AccountID string
	ThreadID  string
	MessageID string
	ModelID   string
	Usage     transport.Usage
}

// Sink persists Records to a billing backend. Implementations must be
// idempotent on MessageID: re-recording the same message must not double
// charge an account (a retried turn, or a crash-recovery replay, produces
// the same message id).
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Recorder wraps a Sink so callers get the "never fails the turn" contract
// in one place instead of remembering to swallow the error at every call
// site: it logs on failure and always returns nil.
type Recorder struct {
	sink   Sink
	logger telemetry.Logger
}

// New constructs a Recorder.
func New(sink Sink, logger telemetry.Logger) *Recorder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record records rec, logging and swallowing any error so a billing outage
// never aborts an in-flight thread turn (§6: "never fails the turn, only
// logs on error").
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Record(ctx, rec); err != nil {
		r.logger.Error(ctx, "billing record failed", "err", err,
			"account_id", rec.AccountID, "thread_id", rec.ThreadID, "message_id", rec.MessageID)
	}
}

// NoopSink discards every record; used when no billing backend is
// configured (e.g. in tests, or self-hosted deployments without metering).
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(context.Context, Record) error { return nil }
