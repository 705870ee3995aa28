// Package inmem implements store.Store in memory, for tests and local
// development. It is not durable and must not be used in production.
//
// Grounded on runtime/agent/runlog/inmem/inmem.go: mutex-guarded per-thread
// slices. Message ids are store-assigned uuids; the pagination cursor is the
// integer offset into the thread's slice.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/store"
	"github.com/threadforge/agentpress/transport"
)

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex

	messages          map[string][]message.Message
	lastUsage         map[string]store.UsageRecord
	cacheNeedsRebuild map[string]bool
}

// New returns a new in-memory message store.
func New() *Store {
	return &Store{
		messages:          make(map[string][]message.Message),
		lastUsage:         make(map[string]store.UsageRecord),
		cacheNeedsRebuild: make(map[string]bool),
	}
}

// Append implements store.Store.
func (s *Store) Append(_ context.Context, threadID string, m message.Message) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("store: thread_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.ThreadID = threadID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[threadID] = append(s.messages[threadID], m)

	if usage, ok := m.Metadata[store.MetaKeyUsage].(transport.Usage); ok {
		modelID, _ := m.Metadata[store.MetaKeyModelID].(string)
		s.lastUsage[threadID] = store.UsageRecord{
			Usage:      usage,
			ModelID:    modelID,
			MessageID:  m.ID,
			RecordedAt: m.CreatedAt,
		}
	}
	return m.ID, nil
}

// List implements store.Store. lightweight is accepted for interface
// conformance but ignored here: the in-memory store never holds content
// large enough to warrant a trimmed view.
func (s *Store) List(_ context.Context, threadID string, lightweight bool) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.messages[threadID]...), nil
}

// ListPaginated implements store.Store.
func (s *Store) ListPaginated(_ context.Context, threadID string, offset, batchSize int) (store.Page, error) {
	if batchSize <= 0 {
		return store.Page{}, fmt.Errorf("store: batch_size must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[threadID]
	if offset >= len(all) {
		return store.Page{}, nil
	}
	end := offset + batchSize
	if end > len(all) {
		end = len(all)
	}

	page := append([]message.Message(nil), all[offset:end]...)
	var next string
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return store.Page{Messages: page, NextCursor: next}, nil
}

// GetLastUsageRecord implements store.Store.
func (s *Store) GetLastUsageRecord(_ context.Context, threadID string) (store.UsageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lastUsage[threadID]
	return rec, ok, nil
}

// GetLatestUserMessage implements store.Store.
func (s *Store) GetLatestUserMessage(_ context.Context, threadID string) (message.Content, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleUser {
			return msgs[i].Content, true, nil
		}
	}
	return message.Content{}, false, nil
}

// MarkToolResultsOmitted implements store.Store.
func (s *Store) MarkToolResultsOmitted(_ context.Context, threadID string, messageIDs []string) (int, error) {
	ids := toSet(messageIDs)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	msgs := s.messages[threadID]
	for i, m := range msgs {
		if ids[m.ID] && !m.Omitted {
			m.Omitted = true
			msgs[i] = m
			count++
		}
	}
	return count, nil
}

// RemoveToolCallsFromAssistants implements store.Store.
func (s *Store) RemoveToolCallsFromAssistants(_ context.Context, threadID string, toolCallIDs []string) (int, error) {
	ids := toSet(toolCallIDs)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	msgs := s.messages[threadID]
	for i, m := range msgs {
		if !m.HasToolCalls() {
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
		if len(kept) != len(m.ToolCalls) {
			m.ToolCalls = kept
			msgs[i] = m
		}
	}
	return count, nil
}

// SetCacheNeedsRebuild implements store.Store.
func (s *Store) SetCacheNeedsRebuild(_ context.Context, threadID string, needsRebuild bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheNeedsRebuild[threadID] = needsRebuild
	return nil
}

// GetCacheNeedsRebuild implements store.Store.
func (s *Store) GetCacheNeedsRebuild(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheNeedsRebuild[threadID], nil
}

// InvalidateCache implements store.Store. The in-memory store holds no
// separate cache layer, so this is a no-op kept for interface conformance.
func (s *Store) InvalidateCache(_ context.Context, threadID string) error {
	return nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
