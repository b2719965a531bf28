package conduit

import (
	"errors"
	"testing"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	outbox, err := NewOutbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	return outbox
}

func TestOutboxLifecycle(t *testing.T) {
	outbox := newTestOutbox(t)

	entry, err := outbox.Enqueue("hello there", "conv-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entry.Status != PendingStatusPending || entry.RetryCount != 0 {
		t.Fatalf("fresh entry must be pending with zero retries: %+v", entry)
	}
	if entry.ID == "" {
		t.Fatal("entry must get an id")
	}

	next, ok := outbox.NextPending("conv-1")
	if !ok || next.ID != entry.ID {
		t.Fatalf("NextPending must return the queued entry, got %+v ok=%v", next, ok)
	}

	if err := outbox.MarkSending(entry.ID); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}
	if got := outbox.List()[0].Status; got != PendingStatusSending {
		t.Fatalf("expected sending, got %s", got)
	}

	if err := outbox.MarkFailed(entry.ID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, ok := outbox.NextPending("conv-1"); ok {
		t.Fatal("failed entries must not be picked up automatically")
	}

	if err := outbox.ResetForManualRetry(entry.ID); err != nil {
		t.Fatalf("ResetForManualRetry: %v", err)
	}
	got := outbox.List()[0]
	if got.Status != PendingStatusPending || got.RetryCount != 0 {
		t.Fatalf("manual retry must reset status and count: %+v", got)
	}
	if _, ok := outbox.NextPending("conv-1"); !ok {
		t.Fatal("entry must be deliverable again after manual retry")
	}

	if err := outbox.Remove(entry.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := outbox.List(); len(got) != 0 {
		t.Fatalf("expected empty outbox, got %d entries", len(got))
	}
}

func TestOutboxEnqueueValidation(t *testing.T) {
	outbox := newTestOutbox(t)
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := outbox.Enqueue(text, ""); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Enqueue(%q) = %v, want ErrEmptyMessage", text, err)
		}
	}
	if got := outbox.List(); len(got) != 0 {
		t.Fatalf("rejected enqueues must not persist, got %d entries", len(got))
	}
}

func TestOutboxRetryCountPersists(t *testing.T) {
	dir := t.TempDir()
	outbox, err := NewOutbox(dir)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	entry, err := outbox.Enqueue("retry me", "conv-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := outbox.IncrementRetryCount(entry.ID)
		if err != nil {
			t.Fatalf("IncrementRetryCount: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
	}

	// A fresh instance over the same directory sees the persisted counter.
	reopened, err := NewOutbox(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.List()
	if len(got) != 1 || got[0].RetryCount != 3 {
		t.Fatalf("retry count lost across reopen: %+v", got)
	}
}

func TestOutboxUnassignedEntries(t *testing.T) {
	outbox := newTestOutbox(t)

	first, err := outbox.Enqueue("first", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := outbox.Enqueue("second", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := outbox.ListUnassigned(); len(got) != 2 {
		t.Fatalf("expected 2 unassigned entries, got %d", len(got))
	}

	// Unassigned entries are deliverable against any target conversation.
	if next, ok := outbox.NextPending("conv-9"); !ok || next.ID != first.ID {
		t.Fatalf("unassigned entry must match any conversation, got %+v ok=%v", next, ok)
	}

	if err := outbox.AssignConversationIDToEmpty("conv-1"); err != nil {
		t.Fatalf("AssignConversationIDToEmpty: %v", err)
	}
	if got := outbox.ListUnassigned(); len(got) != 0 {
		t.Fatalf("expected no unassigned entries, got %d", len(got))
	}
	assigned := outbox.ListConversation("conv-1")
	if len(assigned) != 2 {
		t.Fatalf("expected both entries assigned, got %d", len(assigned))
	}
	if assigned[0].ID != first.ID || assigned[1].ID != second.ID {
		t.Errorf("assignment must preserve order: %+v", assigned)
	}
}

func TestOutboxUpdateConversationID(t *testing.T) {
	outbox := newTestOutbox(t)
	entry, err := outbox.Enqueue("move me", "conv-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := outbox.UpdateConversationID(entry.ID, "conv-2"); err != nil {
		t.Fatalf("UpdateConversationID: %v", err)
	}
	if got := outbox.ListConversation("conv-2"); len(got) != 1 || got[0].ID != entry.ID {
		t.Errorf("entry not reassigned: %+v", got)
	}
	if got := outbox.ListConversation("conv-1"); len(got) != 0 {
		t.Errorf("entry still listed under old conversation")
	}
}

func TestOutboxOrdering(t *testing.T) {
	outbox := newTestOutbox(t)
	for _, text := range []string{"one", "two", "three"} {
		if _, err := outbox.Enqueue(text, "conv-1"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	got := outbox.List()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("entries not ordered by creation time at index %d", i)
		}
	}
	if got[0].Message != "one" || got[2].Message != "three" {
		t.Errorf("unexpected order: %q %q %q", got[0].Message, got[1].Message, got[2].Message)
	}
}

func TestOutboxUnknownID(t *testing.T) {
	outbox := newTestOutbox(t)
	if err := outbox.MarkSending("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSending unknown id = %v, want ErrNotFound", err)
	}
	if _, err := outbox.IncrementRetryCount("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementRetryCount unknown id = %v, want ErrNotFound", err)
	}
	// Remove is idempotent: deleting an absent entry is a no-op.
	if err := outbox.Remove("nope"); err != nil {
		t.Errorf("Remove unknown id = %v, want nil", err)
	}
}
