// Package mongostore implements store.Store durably against MongoDB, for
// deployments that need the thread log to survive process restarts.
//
// Grounded on registry/store/mongo/mongo.go's shape (a thin *mongo.Collection
// wrapper, BSON document structs distinct from the domain type, upsert/find
// with mongo.ErrNoDocuments translated to an ok=false/not-found result), using
// the v2 driver per go.mod (the teacher's registry store predates v2; the
// document-mapping pattern carries over unchanged).
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/store"
	"github.com/threadforge/agentpress/transport"
)

// Store is a MongoDB-backed store.Store. Each thread's messages live as one
// document array rather than one-document-per-message: §4.8's List and
// ListPaginated both read the whole ordered log, and append-in-place keeps
// ordering trivial without a secondary sequence-number index.
type Store struct {
	collection *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// threadDocument is the MongoDB document for one thread's message log.
type threadDocument struct {
	ThreadID          string             `bson:"_id"`
	Messages          []messageDocument  `bson:"messages"`
	LastUsage         *usageDocument     `bson:"last_usage,omitempty"`
	CacheNeedsRebuild bool               `bson:"cache_needs_rebuild"`
}

type messageDocument struct {
	ID         string         `bson:"id"`
	Role       string         `bson:"role"`
	Text       string         `bson:"text,omitempty"`
	Blocks     []blockDocument `bson:"blocks,omitempty"`
	IsText     bool           `bson:"is_text"`
	ToolCalls  []toolCallDocument `bson:"tool_calls,omitempty"`
	ToolCallID string         `bson:"tool_call_id,omitempty"`
	Metadata   bson.M         `bson:"metadata,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
	Omitted    bool           `bson:"omitted"`
}

type blockDocument struct {
	Kind      string `bson:"kind"` // "text" | "image"
	Text      string `bson:"text,omitempty"`
	URL       string `bson:"url,omitempty"`
	MediaType string `bson:"media_type,omitempty"`
}

type toolCallDocument struct {
	ID        string `bson:"id"`
	Name      string `bson:"name"`
	Arguments string `bson:"arguments"`
}

type usageDocument struct {
	PromptTokens        int       `bson:"prompt_tokens"`
	CompletionTokens    int       `bson:"completion_tokens"`
	CacheReadTokens     int       `bson:"cache_read_tokens"`
	CacheCreationTokens int       `bson:"cache_creation_tokens"`
	Estimated           bool      `bson:"estimated"`
	ModelID             string    `bson:"model_id"`
	MessageID           string    `bson:"message_id"`
	RecordedAt          time.Time `bson:"recorded_at"`
}

// New constructs a Store backed by collection. The collection should belong
// to a connected *mongo.Client; callers are responsible for index creation
// (a single-field index on _id is automatic) and connection lifecycle.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Append implements store.Store by pushing one message document onto the
// thread's array and, if the message carries usage metadata, updating the
// denormalized last_usage field in the same update so GetLastUsageRecord
// never needs a second round trip.
func (s *Store) Append(ctx context.Context, threadID string, m message.Message) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("mongostore: thread_id is required")
	}
	if m.ID == "" {
		m.ID = bson.NewObjectID().Hex()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	doc := toMessageDocument(m)
	update := bson.M{"$push": bson.M{"messages": doc}}

	if usage, ok := m.Metadata[store.MetaKeyUsage].(transport.Usage); ok {
		modelID, _ := m.Metadata[store.MetaKeyModelID].(string)
		update["$set"] = bson.M{"last_usage": toUsageDocument(usage, modelID, m.ID, m.CreatedAt)}
	}

	opts := options.UpdateOne().SetUpsert(true)
	_, err := s.collection.UpdateByID(ctx, threadID, update, opts)
	if err != nil {
		return "", fmt.Errorf("mongostore append to thread %q: %w", threadID, err)
	}
	return m.ID, nil
}

// List implements store.Store. lightweight is accepted for interface
// conformance but ignored: trimming large content fields would require a
// separate projection shape and this store has no warm-start display path
// that would benefit from it yet.
func (s *Store) List(ctx context.Context, threadID string, lightweight bool) ([]message.Message, error) {
	doc, err := s.fetch(ctx, threadID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromMessageDocuments(doc.Messages), nil
}

// ListPaginated implements store.Store with an in-memory slice over the full
// array — MongoDB's $slice could trim server-side, but a single document per
// thread already bounds the read to one round trip, and the common case
// (an interactive thread) never approaches a size where that matters.
func (s *Store) ListPaginated(ctx context.Context, threadID string, offset, batchSize int) (store.Page, error) {
	if batchSize <= 0 {
		return store.Page{}, fmt.Errorf("mongostore: batch_size must be > 0")
	}
	all, err := s.List(ctx, threadID, false)
	if err != nil {
		return store.Page{}, err
	}
	if offset >= len(all) {
		return store.Page{}, nil
	}
	end := offset + batchSize
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]
	var next string
	if end < len(all) {
		next = fmt.Sprintf("%d", end)
	}
	return store.Page{Messages: page, NextCursor: next}, nil
}

// GetLastUsageRecord implements store.Store by reading the denormalized
// last_usage field Append maintains.
func (s *Store) GetLastUsageRecord(ctx context.Context, threadID string) (store.UsageRecord, bool, error) {
	var doc struct {
		LastUsage *usageDocument `bson:"last_usage"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": threadID},
		options.FindOne().SetProjection(bson.M{"last_usage": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.UsageRecord{}, false, nil
		}
		return store.UsageRecord{}, false, fmt.Errorf("mongostore get last usage for %q: %w", threadID, err)
	}
	if doc.LastUsage == nil {
		return store.UsageRecord{}, false, nil
	}
	return fromUsageDocument(*doc.LastUsage), true, nil
}

// GetLatestUserMessage implements store.Store.
func (s *Store) GetLatestUserMessage(ctx context.Context, threadID string) (message.Content, bool, error) {
	doc, err := s.fetch(ctx, threadID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return message.Content{}, false, nil
		}
		return message.Content{}, false, err
	}
	for i := len(doc.Messages) - 1; i >= 0; i-- {
		if doc.Messages[i].Role == string(message.RoleUser) {
			return fromMessageDocument(doc.Messages[i]).Content, true, nil
		}
	}
	return message.Content{}, false, nil
}

// MarkToolResultsOmitted implements store.Store. Like
// RemoveToolCallsFromAssistants, this reads, mutates, and writes the whole
// messages array back rather than relying on a positional array-filter
// update, keeping this store's write path to one predictable shape.
func (s *Store) MarkToolResultsOmitted(ctx context.Context, threadID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}

	doc, err := s.fetch(ctx, threadID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i, m := range doc.Messages {
		if ids[m.ID] && !m.Omitted {
			doc.Messages[i].Omitted = true
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := s.collection.UpdateByID(ctx, threadID, bson.M{"$set": bson.M{"messages": doc.Messages}}); err != nil {
		return 0, fmt.Errorf("mongostore mark omitted for %q: %w", threadID, err)
	}
	return count, nil
}

// RemoveToolCallsFromAssistants implements store.Store. The driver's
// positional filtered update cannot remove array-within-array elements by
// predicate in one call, so this reads, mutates, and writes the whole
// document back — acceptable given the per-thread document size and the low
// frequency of repair operations (only on pairing violations).
func (s *Store) RemoveToolCallsFromAssistants(ctx context.Context, threadID string, toolCallIDs []string) (int, error) {
	if len(toolCallIDs) == 0 {
		return 0, nil
	}
	ids := make(map[string]bool, len(toolCallIDs))
	for _, id := range toolCallIDs {
		ids[id] = true
	}

	doc, err := s.fetch(ctx, threadID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i, m := range doc.Messages {
		if len(m.ToolCalls) == 0 {
			continue
		}
		kept := m.ToolCalls[:0:0]
		for _, tc := range m.ToolCalls {
			if ids[tc.ID] {
				count++
				continue
			}
			kept = append(kept, tc)
		}
		doc.Messages[i].ToolCalls = kept
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.collection.UpdateByID(ctx, threadID, bson.M{"$set": bson.M{"messages": doc.Messages}})
	if err != nil {
		return 0, fmt.Errorf("mongostore remove tool calls for %q: %w", threadID, err)
	}
	return count, nil
}

// SetCacheNeedsRebuild implements store.Store.
func (s *Store) SetCacheNeedsRebuild(ctx context.Context, threadID string, needsRebuild bool) error {
	_, err := s.collection.UpdateByID(ctx, threadID,
		bson.M{"$set": bson.M{"cache_needs_rebuild": needsRebuild}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore set cache_needs_rebuild for %q: %w", threadID, err)
	}
	return nil
}

// GetCacheNeedsRebuild implements store.Store.
func (s *Store) GetCacheNeedsRebuild(ctx context.Context, threadID string) (bool, error) {
	var doc struct {
		CacheNeedsRebuild bool `bson:"cache_needs_rebuild"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": threadID},
		options.FindOne().SetProjection(bson.M{"cache_needs_rebuild": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("mongostore get cache_needs_rebuild for %q: %w", threadID, err)
	}
	return doc.CacheNeedsRebuild, nil
}

// InvalidateCache implements store.Store. MongoDB reads are always
// consistent with the last write on the primary, so there is no separate
// in-process cache layer to invalidate here; kept as a no-op for interface
// conformance, matching inmem.Store's InvalidateCache.
func (s *Store) InvalidateCache(context.Context, string) error { return nil }

func (s *Store) fetch(ctx context.Context, threadID string) (*threadDocument, error) {
	var doc threadDocument
	if err := s.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func toMessageDocument(m message.Message) messageDocument {
	doc := messageDocument{
		ID:         m.ID,
		Role:       string(m.Role),
		IsText:     m.Content.IsText(),
		ToolCallID: m.ToolCallID,
		CreatedAt:  m.CreatedAt,
		Omitted:    m.Omitted,
	}
	if m.Content.IsText() {
		doc.Text = m.Content.AsText()
	} else {
		for _, b := range m.Content.AsBlocks() {
			switch blk := b.(type) {
			case message.TextBlock:
				doc.Blocks = append(doc.Blocks, blockDocument{Kind: "text", Text: blk.Text})
			case message.ImageBlock:
				doc.Blocks = append(doc.Blocks, blockDocument{Kind: "image", URL: blk.URL, MediaType: blk.MediaType})
			}
		}
	}
	for _, tc := range m.ToolCalls {
		doc.ToolCalls = append(doc.ToolCalls, toolCallDocument{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if len(m.Metadata) > 0 {
		doc.Metadata = bson.M(m.Metadata)
	}
	return doc
}

func fromMessageDocument(doc messageDocument) message.Message {
	var content message.Content
	if doc.IsText {
		content = message.Text(doc.Text)
	} else {
		blocks := make([]message.Block, 0, len(doc.Blocks))
		for _, b := range doc.Blocks {
			switch b.Kind {
			case "image":
				blocks = append(blocks, message.ImageBlock{URL: b.URL, MediaType: b.MediaType})
			default:
				blocks = append(blocks, message.TextBlock{Text: b.Text})
			}
		}
		content = message.Blocks(blocks...)
	}

	var calls []message.ToolCall
	for _, tc := range doc.ToolCalls {
		calls = append(calls, message.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}

	return message.Message{
		ID:         doc.ID,
		Role:       message.Role(doc.Role),
		Content:    content,
		ToolCalls:  calls,
		ToolCallID: doc.ToolCallID,
		Metadata:   message.Metadata(doc.Metadata),
		CreatedAt:  doc.CreatedAt,
		Omitted:    doc.Omitted,
	}
}

func fromMessageDocuments(docs []messageDocument) []message.Message {
	out := make([]message.Message, len(docs))
	for i, d := range docs {
		out[i] = fromMessageDocument(d)
	}
	return out
}

func toUsageDocument(u transport.Usage, modelID, messageID string, recordedAt time.Time) usageDocument {
	return usageDocument{
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		Estimated:           u.Estimated,
		ModelID:             modelID,
		MessageID:           messageID,
		RecordedAt:          recordedAt,
	}
}

func fromUsageDocument(doc usageDocument) store.UsageRecord {
	return store.UsageRecord{
		Usage: transport.Usage{
			PromptTokens:        doc.PromptTokens,
			CompletionTokens:    doc.CompletionTokens,
			CacheReadTokens:     doc.CacheReadTokens,
			CacheCreationTokens: doc.CacheCreationTokens,
			Estimated:           doc.Estimated,
		},
		ModelID:    doc.ModelID,
		MessageID:  doc.MessageID,
		RecordedAt: doc.RecordedAt,
	}
}
