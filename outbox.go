package conduit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outbox persists messages queued for delivery. Unlike the cache it is the
// only copy of its data, so every mutation writes through immediately and
// surfaces storage failures. A crash loses at most the one mutation that
// had not reached disk, never the whole queue.
type Outbox struct {
	mu   sync.Mutex
	path string
}

// NewOutbox creates the outbox persisted under dir.
func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	return &Outbox{path: filepath.Join(dir, "outbox.json")}, nil
}

// Enqueue creates a pending entry for text and persists it. An empty
// conversation id is allowed: the message is assigned once a conversation
// exists.
func (o *Outbox) Enqueue(text, conversationID string) (PendingMessage, error) {
	if strings.TrimSpace(text) == "" {
		return PendingMessage{}, ErrEmptyMessage
	}
	entry := PendingMessage{
		ID:             uuid.NewString(),
		Message:        text,
		ConversationID: strings.TrimSpace(conversationID),
		CreatedAt:      time.Now().UTC(),
		Status:         PendingStatusPending,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	entries := append(o.loadLocked(), entry)
	if err := o.saveLocked(entries); err != nil {
		return PendingMessage{}, err
	}
	return entry, nil
}

// List returns every entry sorted by creation time ascending.
func (o *Outbox) List() []PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadLocked()
}

// ListConversation returns the entries assigned to one conversation.
func (o *Outbox) ListConversation(conversationID string) []PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []PendingMessage
	for _, e := range o.loadLocked() {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out
}

// ListUnassigned returns the entries that have no conversation yet.
func (o *Outbox) ListUnassigned() []PendingMessage {
	return o.ListConversation("")
}

// NextPending returns the earliest-created deliverable entry whose
// conversation id matches conversationID or is still empty, so unassigned
// sends drain once a conversation becomes known. Failed entries are
// excluded until a manual retry.
func (o *Outbox) NextPending(conversationID string) (PendingMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.loadLocked() {
		if e.Status == PendingStatusFailed {
			continue
		}
		if e.ConversationID == conversationID || e.ConversationID == "" {
			return e, true
		}
	}
	return PendingMessage{}, false
}

// MarkSending transitions an entry to sending.
func (o *Outbox) MarkSending(id string) error {
	return o.update(id, func(e *PendingMessage) { e.Status = PendingStatusSending })
}

// MarkPending returns an entry to pending after a retriable failure.
func (o *Outbox) MarkPending(id string) error {
	return o.update(id, func(e *PendingMessage) { e.Status = PendingStatusPending })
}

// MarkFailed transitions an entry to failed. It stays visible for a manual
// retry and is never dropped implicitly.
func (o *Outbox) MarkFailed(id string) error {
	return o.update(id, func(e *PendingMessage) { e.Status = PendingStatusFailed })
}

// ResetForManualRetry makes a failed entry deliverable again, zeroing the
// retry count so user-initiated retries bypass any backoff state.
func (o *Outbox) ResetForManualRetry(id string) error {
	return o.update(id, func(e *PendingMessage) {
		e.Status = PendingStatusPending
		e.RetryCount = 0
	})
}

// IncrementRetryCount bumps and persists the retry counter, returning the
// new count. Backoff policy lives with the caller.
func (o *Outbox) IncrementRetryCount(id string) (int, error) {
	count := 0
	err := o.update(id, func(e *PendingMessage) {
		e.RetryCount++
		count = e.RetryCount
	})
	return count, err
}

// UpdateConversationID rewrites the conversation id of one entry.
func (o *Outbox) UpdateConversationID(id, conversationID string) error {
	return o.update(id, func(e *PendingMessage) { e.ConversationID = conversationID })
}

// AssignConversationIDToEmpty rewrites every unassigned entry to the given
// conversation id. This covers several rapid sends queued before the
// conversation existed.
func (o *Outbox) AssignConversationIDToEmpty(conversationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := o.loadLocked()
	for i := range entries {
		if entries[i].ConversationID == "" {
			entries[i].ConversationID = conversationID
		}
	}
	return o.saveLocked(entries)
}

// Remove deletes an entry on confirmed delivery or explicit user discard.
// Absence of a record is what "delivered" looks like.
func (o *Outbox) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := o.loadLocked()
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return o.saveLocked(kept)
}

func (o *Outbox) update(id string, fn func(*PendingMessage)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := o.loadLocked()
	for i := range entries {
		if entries[i].ID == id {
			fn(&entries[i])
			return o.saveLocked(entries)
		}
	}
	return fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
}

func (o *Outbox) loadLocked() []PendingMessage {
	entries := readRecords[PendingMessage](o.path)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

func (o *Outbox) saveLocked(entries []PendingMessage) error {
	return writeRecordsAtomic(o.path, entries)
}
