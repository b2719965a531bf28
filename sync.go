package conduit

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxSendAttempts is how many automatic delivery attempts an
	// entry gets before it parks as failed and waits for a manual retry.
	DefaultMaxSendAttempts = 3
	// listPageSize is the page size used when pulling conversation
	// summaries from the gateway.
	listPageSize = 50
)

// Reconciler is the thin coordination layer between the outbox, the cache,
// and the gateway: on successful sends it writes results back into the
// cache and clears outbox entries; on authorization failure it hard-expires
// the session and halts further sync.
type Reconciler struct {
	Cache  *CacheStore
	Outbox *Outbox
	Client *Client

	// MaxSendAttempts bounds automatic retries per entry. Zero means
	// DefaultMaxSendAttempts.
	MaxSendAttempts int
}

// NewReconciler wires the three sync components together.
func NewReconciler(cache *CacheStore, outbox *Outbox, client *Client) *Reconciler {
	return &Reconciler{Cache: cache, Outbox: outbox, Client: client}
}

func (r *Reconciler) maxAttempts() int {
	if r.MaxSendAttempts > 0 {
		return r.MaxSendAttempts
	}
	return DefaultMaxSendAttempts
}

// SendPending drains deliverable outbox entries for one conversation in
// creation order. Unassigned entries are included: once a conversation is
// known (the caller named one, or the first send created one) every queued
// unassigned entry is bound to it and the drain continues against that id.
// Send N+1 never starts before send N resolves, preserving conversational
// ordering; the drain stops at the first entry that does not deliver.
func (r *Reconciler) SendPending(ctx context.Context, conversationID string) error {
	target := conversationID
	for {
		entry, ok := r.Outbox.NextPending(target)
		if !ok {
			return nil
		}
		resolved, err := r.sendOne(ctx, entry, target)
		if err != nil {
			return err
		}
		target = resolved
	}
}

// SendAll drains every conversation that has deliverable entries, plus the
// unassigned backlog.
func (r *Reconciler) SendAll(ctx context.Context) error {
	seen := map[string]bool{}
	for _, e := range r.Outbox.List() {
		if seen[e.ConversationID] {
			continue
		}
		seen[e.ConversationID] = true
		if err := r.SendPending(ctx, e.ConversationID); err != nil {
			return err
		}
	}
	return nil
}

// sendOne delivers a single entry to target (the drain's conversation id,
// overridden by the entry's own assignment when it has one) and returns the
// conversation id it actually sent to, so the caller can keep draining
// against it once formerly-unassigned entries are bound.
func (r *Reconciler) sendOne(ctx context.Context, entry PendingMessage, target string) (string, error) {
	if entry.ConversationID != "" {
		target = entry.ConversationID
	}
	if target == "" {
		summary, err := r.Client.CreateConversation(ctx, "")
		if err != nil {
			return "", r.recordFailure(entry, err)
		}
		r.Cache.UpsertConversations([]ConversationSummary{*summary})
		target = summary.ID
	}
	if entry.ConversationID == "" {
		// Bind every queued unassigned entry, not just this one: rapid
		// sends before a conversation existed all belong to it.
		if err := r.Outbox.AssignConversationIDToEmpty(target); err != nil {
			return "", err
		}
		entry.ConversationID = target
	}

	if err := r.Outbox.MarkSending(entry.ID); err != nil {
		return "", err
	}

	reply, err := r.Client.Chat(ctx, target, entry.Message)
	if err != nil {
		return "", r.recordFailure(entry, err)
	}

	userMsg := Message{
		Role:          RoleUser,
		Content:       entry.Message,
		CreatedAt:     entry.CreatedAt,
		DeliveryState: DeliverySent,
	}
	r.Cache.UpsertMessages(target, []Message{userMsg, *reply})

	now := time.Now().UTC()
	count := len(r.Cache.LoadMessages(target))
	r.Cache.UpsertConversation(target, ConversationPatch{
		LastMessage:  &reply.Content,
		UpdatedAt:    &now,
		MessageCount: &count,
	})

	return target, r.Outbox.Remove(entry.ID)
}

// recordFailure applies the outbox state machine after a failed attempt:
// auth expiry parks the entry pending (it drains after re-login) and halts
// sync; timeouts and non-auth 4xx park it failed; transient failures go
// back to pending until the attempt budget is exhausted.
func (r *Reconciler) recordFailure(entry PendingMessage, sendErr error) error {
	if errors.Is(sendErr, ErrAuthExpired) {
		_ = r.Outbox.MarkPending(entry.ID)
		return ErrAuthExpired
	}

	count, err := r.Outbox.IncrementRetryCount(entry.ID)
	if err != nil {
		return err
	}

	switch {
	case isTimeout(sendErr):
		// A timed-out send must end failed, never silently disappear.
		_ = r.Outbox.MarkFailed(entry.ID)
	case isPermanent(sendErr):
		_ = r.Outbox.MarkFailed(entry.ID)
	case count >= r.maxAttempts():
		_ = r.Outbox.MarkFailed(entry.ID)
	default:
		_ = r.Outbox.MarkPending(entry.ID)
	}
	return sendErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// isPermanent reports a gateway rejection no retry can fix: a non-auth 4xx.
func isPermanent(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status >= 400 && he.Status < 500 && !he.IsAuth()
}

// RefreshConversations pages the gateway's conversation list into the
// cache. Each page is merged with last-writer-wins semantics, so repeating
// it is harmless.
func (r *Reconciler) RefreshConversations(ctx context.Context) error {
	offset := 0
	for {
		page, hasMore, err := r.Client.ListConversations(ctx, listPageSize, offset)
		if err != nil {
			return err
		}
		r.Cache.UpsertConversations(page)
		if !hasMore || len(page) == 0 {
			return nil
		}
		offset += len(page)
	}
}

// DeleteConversation removes a conversation on the gateway and, when the
// gateway confirms, from the local cache.
func (r *Reconciler) DeleteConversation(ctx context.Context, conversationID string) error {
	deleted, err := r.Client.DeleteConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if deleted {
		r.Cache.RemoveConversation(conversationID)
	}
	return nil
}

// BindRealtime applies gateway push events to local state: new messages and
// conversation updates land in the cache, deletions evict it, and a pushed
// session expiry hard-expires exactly like a 401 would.
func (r *Reconciler) BindRealtime(rt *RealtimeClient) {
	rt.OnMessage(func(ev MessageEvent) {
		if ev.ConversationID == "" {
			return
		}
		r.Cache.UpsertMessages(ev.ConversationID, []Message{ev.Message})
		now := time.Now().UTC()
		count := len(r.Cache.LoadMessages(ev.ConversationID))
		r.Cache.UpsertConversation(ev.ConversationID, ConversationPatch{
			LastMessage:  &ev.Message.Content,
			UpdatedAt:    &now,
			MessageCount: &count,
		})
	})
	rt.OnConversationUpdated(func(c ConversationSummary) {
		r.Cache.UpsertConversations([]ConversationSummary{c})
	})
	rt.OnConversationDeleted(func(id string) {
		r.Cache.RemoveConversation(id)
	})
	rt.OnSessionExpired(func() {
		r.Client.Session().HandleUnauthorized()
	})
}
