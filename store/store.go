// Package store defines the Message Store Interface (C8, §4.8): an
// append-only log of thread messages with the compact query surface C2, C4,
// C5, and C7 consume.
//
// Grounded on runtime/agent/runlog/runlog.go's Store interface shape
// (append-only event log, opaque store-assigned ids, cursor pagination),
// generalized from "run events" to "thread messages" and extended with the
// persistent-repair and cache-coordination operations §4.8 requires that
// runlog has no equivalent for.
package store

import (
	"context"
	"time"

	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/transport"
)

// Page is a forward page of messages, mirroring runlog.Page's cursor shape.
type Page struct {
	Messages   []message.Message
	NextCursor string
}

// Store is the append-only Message Store Interface (§4.8).
type Store interface {
	// Append persists a message and returns its store-assigned id. Append
	// must be durable: failures are surfaced so the orchestrator can abort
	// the turn rather than continue with a gap in the log.
	Append(ctx context.Context, threadID string, m message.Message) (messageID string, err error)

	// List returns every message for threadID, oldest first. When
	// lightweight is true, implementations may omit large content fields —
	// the result is for warm-start display only and must never be used to
	// build a prompt.
	List(ctx context.Context, threadID string, lightweight bool) ([]message.Message, error)

	// ListPaginated returns a bounded page starting at offset, for very long
	// threads where List's full scan would be wasteful.
	ListPaginated(ctx context.Context, threadID string, offset, batchSize int) (Page, error)

	// GetLastUsageRecord returns the most recent UsageReport recorded for
	// threadID, or ok=false if none exists yet.
	GetLastUsageRecord(ctx context.Context, threadID string) (UsageRecord, bool, error)

	// GetLatestUserMessage returns the most recent user-role message's
	// content for threadID, or ok=false if the thread has no user message.
	GetLatestUserMessage(ctx context.Context, threadID string) (message.Content, bool, error)

	// MarkToolResultsOmitted persistently flags the given tool-result
	// message ids as omitted (the repair outcome of §4.3). List still
	// returns flagged rows, with Omitted set. Returns the count actually
	// updated.
	MarkToolResultsOmitted(ctx context.Context, threadID string, messageIDs []string) (int, error)

	// RemoveToolCallsFromAssistants persistently strips the given
	// tool_call_ids from whichever assistant messages declared them.
	// Returns the count of tool_call_ids actually removed.
	RemoveToolCallsFromAssistants(ctx context.Context, threadID string, toolCallIDs []string) (int, error)

	// SetCacheNeedsRebuild and GetCacheNeedsRebuild coordinate the prompt
	// cache-marker placement (§4.4): a repair or compression pass that
	// changes history invalidates the previous cache breakpoints.
	SetCacheNeedsRebuild(ctx context.Context, threadID string, needsRebuild bool) error
	GetCacheNeedsRebuild(ctx context.Context, threadID string) (bool, error)

	// InvalidateCache drops any in-process message cache for threadID,
	// forcing the next List to re-read from durable storage.
	InvalidateCache(ctx context.Context, threadID string) error
}

// UsageRecord is the persisted form of a transport.Usage, timestamped for
// GetLastUsageRecord's "most recent" ordering.
type UsageRecord struct {
	Usage      transport.Usage
	ModelID    string
	MessageID  string
	RecordedAt time.Time
}

// Metadata keys a message.Message's Metadata map may carry usage information
// under. A Store implementation's Append derives GetLastUsageRecord's result
// from these keys rather than requiring a separate write path — usage is
// carried on the assistant message itself (§3 Message: "metadata (provider
// usage, model, finish reason)"), matching the "llm_response_end" record
// thread_manager.py reads for its fast-path prefetch.
const (
	MetaKeyUsage   = "usage"
	MetaKeyModelID = "model_id"
)
