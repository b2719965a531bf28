package conduit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ============================================================================
// Conversation summaries
// ============================================================================

// ConversationSummary is one row of the cached conversation list.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// EffectiveTimestamp is the single ordering key for conversation recency:
// updated_at when set, created_at otherwise.
func (c ConversationSummary) EffectiveTimestamp() time.Time {
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// ConversationPatch is a partial update for a single summary. Nil fields
// retain the prior value (or derive a default on create).
type ConversationPatch struct {
	Title        *string
	CreatedAt    *time.Time
	UpdatedAt    *time.Time
	LastMessage  *string
	MessageCount *int
}

// ============================================================================
// Messages
// ============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DeliveryState tracks outbound delivery for user-role messages.
type DeliveryState string

const (
	DeliverySent    DeliveryState = "sent"
	DeliverySending DeliveryState = "sending"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is one entry of a cached conversation log. ID may be empty until
// the server assigns one.
type Message struct {
	ID            string        `json:"id,omitempty"`
	Role          Role          `json:"role"`
	Content       string        `json:"content"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
}

// DedupKey collapses duplicate records: the server id when present, else a
// composite of role, creation time, and a content hash so locally created
// messages dedup before an id exists.
func (m Message) DedupKey() string {
	if m.ID != "" {
		return m.ID
	}
	sum := sha256.Sum256([]byte(m.Content))
	return fmt.Sprintf("%s:%d:%s", m.Role, m.CreatedAt.UnixNano(), hex.EncodeToString(sum[:])[:12])
}

// ============================================================================
// Outbox entries
// ============================================================================

// PendingStatus is the delivery state of an outbox entry. There is no
// "delivered" status: confirmed delivery removes the record.
type PendingStatus string

const (
	PendingStatusPending PendingStatus = "pending"
	PendingStatusSending PendingStatus = "sending"
	PendingStatusFailed  PendingStatus = "failed"
)

// PendingMessage is a message queued for delivery. ConversationID may be
// empty until a conversation exists server-side.
type PendingMessage struct {
	ID             string        `json:"id"`
	Message        string        `json:"message"`
	ConversationID string        `json:"conversation_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         PendingStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
}

// ============================================================================
// Wire payloads
// ============================================================================

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

type createConversationRequest struct {
	Title string `json:"title,omitempty"`
}

type listConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
}

type deleteConversationResponse struct {
	Deleted bool `json:"deleted"`
}

type refreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
