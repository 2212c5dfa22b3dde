package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAssistant, RoleOperator, RoleSystem:
		return true
	}
	return false
}

// OutboundRoles are the roles a polling client receives. Customers never get
// their own messages echoed back.
var OutboundRoles = []Role{RoleAssistant, RoleOperator, RoleSystem}

// Message is one append-only utterance within a conversation. Ordering is
// (CreatedAt, ID) ascending; ID is the deduplication key for every consumer.
type Message struct {
	ID             uuid.UUID         `json:"id"`
	ConversationID uuid.UUID         `json:"conversationId"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"` // e.g. operator display name
	ExternalID     string            `json:"-"`                  // provider message id, unique when set
	ReadAt         *time.Time        `json:"readAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Before reports whether m sorts before o in the message log.
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID.String() < o.ID.String()
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// Append assigns ID and CreatedAt when zero and inserts the message.
	// Returns ErrDuplicate if ExternalID was already recorded.
	Append(ctx context.Context, msg *Message) error

	// ListSince returns messages with CreatedAt >= since restricted to roles
	// (all roles when empty), in log order. The bound is inclusive because
	// several messages can share a timestamp; clients dedupe by ID.
	ListSince(ctx context.Context, conversationID uuid.UUID, since time.Time, roles []Role) ([]Message, error)

	// ListAfter returns up to limit messages after afterID in log order, or from
	// the start when afterID is nil.
	ListAfter(ctx context.Context, conversationID uuid.UUID, afterID *uuid.UUID, limit int) ([]Message, error)

	// LastByRole returns the newest message of role, or ErrNotFound.
	LastByRole(ctx context.Context, conversationID uuid.UUID, role Role) (*Message, error)

	// MarkRead stamps unread messages of role as read.
	MarkRead(ctx context.Context, conversationID uuid.UUID, role Role, at time.Time) error
}
