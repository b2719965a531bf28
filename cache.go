package conduit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxConversations bounds the persisted conversation list.
	DefaultMaxConversations = 50
	// DefaultMaxMessagesPerConversation bounds each cached message log.
	DefaultMaxMessagesPerConversation = 100
)

// CacheStore persists conversation summaries and per-conversation message
// logs under a data directory. It is a local replica of server state, never
// authoritative: reads fail soft to empty and writes are best effort. All
// mutations on one instance are serialized through a single mutex.
type CacheStore struct {
	mu          sync.Mutex
	dir         string
	maxConvos   int
	maxMessages int
}

// CacheOption configures a CacheStore.
type CacheOption func(*CacheStore)

// WithMaxConversations overrides the conversation list bound.
func WithMaxConversations(n int) CacheOption {
	return func(s *CacheStore) {
		if n > 0 {
			s.maxConvos = n
		}
	}
}

// WithMaxMessagesPerConversation overrides the per-conversation message bound.
func WithMaxMessagesPerConversation(n int) CacheOption {
	return func(s *CacheStore) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// NewCacheStore creates the cache rooted at dir, creating the directory
// layout if needed.
func NewCacheStore(dir string, opts ...CacheOption) (*CacheStore, error) {
	s := &CacheStore{
		dir:         dir,
		maxConvos:   DefaultMaxConversations,
		maxMessages: DefaultMaxMessagesPerConversation,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(dir, "messages"), 0o700); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	return s, nil
}

func (s *CacheStore) conversationsPath() string {
	return filepath.Join(s.dir, "conversations.json")
}

func (s *CacheStore) messagesPath(conversationID string) string {
	return filepath.Join(s.dir, "messages", sanitizeKey(conversationID)+".json")
}

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations returns the persisted conversation list, normalized.
// A missing or corrupt file reads as empty.
func (s *CacheStore) LoadConversations() []ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normalizeConversations(readRecords[ConversationSummary](s.conversationsPath()))
}

// SaveConversations normalizes list and atomically replaces the persisted
// set. Write failures are swallowed; the next reconcile heals the replica.
func (s *CacheStore) SaveConversations(list []ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveConversationsLocked(list)
}

// UpsertConversations merges batch into the persisted set. When an id
// exists on both sides the item with the larger effective timestamp is
// kept, the incoming one winning ties, so re-applying a server response is
// idempotent.
func (s *CacheStore) UpsertConversations(batch []ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := readRecords[ConversationSummary](s.conversationsPath())
	s.saveConversationsLocked(append(current, batch...))
}

// UpsertConversation applies a partial create-or-update to one summary.
// Unset patch fields keep their prior values; on create, missing timestamps
// default to now and the count to zero.
func (s *CacheStore) UpsertConversation(id string, patch ConversationPatch) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := readRecords[ConversationSummary](s.conversationsPath())
	idx := -1
	for i := range current {
		if current[i].ID == id {
			idx = i
			break
		}
	}

	var c ConversationSummary
	if idx >= 0 {
		c = current[idx]
	} else {
		now := time.Now().UTC()
		c = ConversationSummary{ID: id, CreatedAt: now, UpdatedAt: now}
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.CreatedAt != nil {
		c.CreatedAt = *patch.CreatedAt
	}
	if patch.UpdatedAt != nil {
		c.UpdatedAt = *patch.UpdatedAt
	}
	if patch.LastMessage != nil {
		c.LastMessage = *patch.LastMessage
	}
	if patch.MessageCount != nil {
		c.MessageCount = *patch.MessageCount
	}
	if c.MessageCount < 0 {
		c.MessageCount = 0
	}

	if idx >= 0 {
		current[idx] = c
	} else {
		current = append(current, c)
	}
	s.saveConversationsLocked(current)
}

// RemoveConversation deletes the summary and its message log.
func (s *CacheStore) RemoveConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := readRecords[ConversationSummary](s.conversationsPath())
	kept := current[:0]
	for _, c := range current {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	s.saveConversationsLocked(kept)
	_ = os.Remove(s.messagesPath(id))
}

func (s *CacheStore) saveConversationsLocked(list []ConversationSummary) {
	_ = writeRecordsAtomic(s.conversationsPath(), s.normalizeConversations(list))
}

// normalizeConversations groups by id keeping the item with the larger
// effective timestamp (later entries win ties), sorts descending by
// effective timestamp, and truncates to the bound.
func (s *CacheStore) normalizeConversations(list []ConversationSummary) []ConversationSummary {
	byID := make(map[string]ConversationSummary, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		prev, ok := byID[c.ID]
		if !ok || !c.EffectiveTimestamp().Before(prev.EffectiveTimestamp()) {
			byID[c.ID] = c
		}
	}
	out := make([]ConversationSummary, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EffectiveTimestamp(), out[j].EffectiveTimestamp()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	if len(out) > s.maxConvos {
		out = out[:s.maxConvos]
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

// LoadMessages returns the cached log for one conversation, normalized and
// sorted ascending for display. Missing or corrupt logs read as empty.
func (s *CacheStore) LoadMessages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normalizeMessages(readRecords[Message](s.messagesPath(conversationID)))
}

// ReplaceMessages atomically replaces the log for one conversation.
func (s *CacheStore) ReplaceMessages(conversationID string, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = writeRecordsAtomic(s.messagesPath(conversationID), s.normalizeMessages(messages))
}

// UpsertMessages appends newMessages to the log and renormalizes. Entries
// sharing a dedup key collapse last-seen-wins, so a server echo of a
// locally cached message replaces it.
func (s *CacheStore) UpsertMessages(conversationID string, newMessages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := readRecords[Message](s.messagesPath(conversationID))
	merged := s.normalizeMessages(append(current, newMessages...))
	_ = writeRecordsAtomic(s.messagesPath(conversationID), merged)
}

// normalizeMessages dedups by key (last seen wins), sorts ascending by
// (created_at, id), and keeps only the most recent entries within the bound.
func (s *CacheStore) normalizeMessages(list []Message) []Message {
	byKey := make(map[string]int, len(list))
	out := make([]Message, 0, len(list))
	for _, m := range list {
		key := m.DedupKey()
		if i, ok := byKey[key]; ok {
			out[i] = m
			continue
		}
		byKey[key] = len(out)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > s.maxMessages {
		out = out[len(out)-s.maxMessages:]
	}
	return out
}

// ============================================================================
// File helpers
// ============================================================================

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeKey maps a conversation id to a filesystem-safe file name.
func sanitizeKey(id string) string {
	if id == "" {
		return "_"
	}
	return unsafeKeyChars.ReplaceAllString(id, "_")
}

// readRecords reads one array-of-objects record, treating a missing or
// undecodable file as empty.
func readRecords[T any](path string) []T {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// writeRecordsAtomic writes via a temp file and rename so a crash mid-write
// leaves either the old or the new record, never a corrupt mix.
func writeRecordsAtomic[T any](path string, records []T) error {
	if records == nil {
		records = []T{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &DecodeError{Source: path, Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
