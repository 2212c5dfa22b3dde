package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport a conversation arrives on.
type Channel string

const (
	ChannelWeb     Channel = "web"     // embedded widget, client polls
	ChannelGateway Channel = "gateway" // SMS/WhatsApp-style provider, pushes webhooks
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelWeb || c == ChannelGateway
}

// ConversationStatus is the state of a conversation's routing state machine.
type ConversationStatus string

const (
	StatusAIActive   ConversationStatus = "ai_active"
	StatusLiveQueue  ConversationStatus = "live_queue"
	StatusLiveActive ConversationStatus = "live_active"
	StatusEscalated  ConversationStatus = "escalated"
	StatusClosed     ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusAIActive, StatusLiveQueue, StatusLiveActive, StatusEscalated, StatusClosed:
		return true
	}
	return false
}

// IsLive reports whether a human (queue or active operator) owns the conversation.
func (s ConversationStatus) IsLive() bool {
	return s == StatusLiveQueue || s == StatusLiveActive
}

// HandoffSubStatus tracks an owner-direct-forward handoff inside a live conversation.
type HandoffSubStatus string

const (
	HandoffNone         HandoffSubStatus = "none"
	HandoffPendingOwner HandoffSubStatus = "pending_owner"
	HandoffOwnerActive  HandoffSubStatus = "owner_active"
	HandoffAITakeover   HandoffSubStatus = "ai_takeover"
)

// Valid reports whether h is a known sub-status. The empty value reads as none.
func (h HandoffSubStatus) Valid() bool {
	switch h {
	case "", HandoffNone, HandoffPendingOwner, HandoffOwnerActive, HandoffAITakeover:
		return true
	}
	return false
}

// Active reports whether the owner currently holds the conversation.
func (h HandoffSubStatus) Active() bool {
	return h == HandoffPendingOwner || h == HandoffOwnerActive
}

// RoutingMetadata is the closed set of transient routing facts kept on a
// conversation. It is validated on every read and write so the router and the
// reconciler cannot drift apart on key names.
type RoutingMetadata struct {
	QueuedAt         *time.Time       `json:"queued_at,omitempty"`
	NotifiedAt       *time.Time       `json:"notified_at,omitempty"`
	HandoffSubStatus HandoffSubStatus `json:"handoff_sub_status,omitempty"`
	TimeoutNotified  bool             `json:"timeout_notified,omitempty"`
	TimeoutSeconds   int              `json:"timeout_seconds,omitempty"`

	// Contact details captured in the escalated (contact collection) flow.
	ContactEmail    string `json:"contact_email,omitempty"`
	ContactPhone    string `json:"contact_phone,omitempty"`
	ContactCaptured bool   `json:"contact_captured,omitempty"`
}

// Validate checks enum values and timestamp consistency.
func (m RoutingMetadata) Validate() error {
	if !m.HandoffSubStatus.Valid() {
		return fmt.Errorf("invalid handoff_sub_status %q", m.HandoffSubStatus)
	}
	if m.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid timeout_seconds %d", m.TimeoutSeconds)
	}
	if m.HandoffSubStatus == HandoffPendingOwner && m.NotifiedAt == nil {
		return fmt.Errorf("pending_owner handoff without notified_at")
	}
	return nil
}

// SubStatus returns the handoff sub-status, mapping the empty value to none.
func (m RoutingMetadata) SubStatus() HandoffSubStatus {
	if m.HandoffSubStatus == "" {
		return HandoffNone
	}
	return m.HandoffSubStatus
}

// Encode validates and serializes the metadata for storage.
func (m RoutingMetadata) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeRoutingMetadata parses stored metadata. Unknown keys are rejected.
func DecodeRoutingMetadata(raw []byte) (RoutingMetadata, error) {
	var m RoutingMetadata
	if len(raw) == 0 {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return RoutingMetadata{}, fmt.Errorf("decode routing metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return RoutingMetadata{}, err
	}
	return m, nil
}

// Conversation is one ongoing exchange between one customer and one tenant on one channel.
type Conversation struct {
	ID         uuid.UUID          `json:"id"`
	TenantID   string             `json:"tenantId"`
	CustomerID *uuid.UUID         `json:"customerId,omitempty"`
	Channel    Channel            `json:"channel"`
	Status     ConversationStatus `json:"status"`
	Metadata   RoutingMetadata    `json:"metadata"`
	Version    int64              `json:"version"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate a candidate state before a
// conditional update without touching the original.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.CustomerID != nil {
		id := *c.CustomerID
		cp.CustomerID = &id
	}
	if c.Metadata.QueuedAt != nil {
		t := *c.Metadata.QueuedAt
		cp.Metadata.QueuedAt = &t
	}
	if c.Metadata.NotifiedAt != nil {
		t := *c.Metadata.NotifiedAt
		cp.Metadata.NotifiedAt = &t
	}
	return &cp
}

// ConversationSummary is a conversation row for the operator list view.
type ConversationSummary struct {
	Conversation
	CustomerName string   `json:"customerName,omitempty"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
}

// ConversationListOpts holds filter and pagination options for ListByTenant.
type ConversationListOpts struct {
	IncludeClosed bool
	Limit         int
	Offset        int
}

// ConversationStore persists conversations. All state transitions go through
// Update, which is a compare-and-swap on Version.
type ConversationStore interface {
	// FindOpen returns the most recently updated non-closed conversation for the tuple.
	FindOpen(ctx context.Context, tenantID string, customerID uuid.UUID, channel Channel) (*Conversation, error)

	// Create inserts conv unless an open conversation already exists for the same
	// tuple; either way the surviving open conversation is returned.
	Create(ctx context.Context, conv *Conversation) (*Conversation, error)

	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// Update writes status and metadata if the stored version equals
	// expectedVersion, and bumps conv.Version. Returns ErrConflict otherwise.
	Update(ctx context.Context, conv *Conversation, expectedVersion int64) error

	ListByTenant(ctx context.Context, tenantID string, opts ConversationListOpts) ([]ConversationSummary, error)

	// LatestHandoff returns the most recently updated conversation of the tenant
	// whose owner handoff is pending or active.
	LatestHandoff(ctx context.Context, tenantID string) (*Conversation, error)

	// ListPendingTimeouts returns live_queue conversations whose timeout has not
	// been handled yet, oldest first.
	ListPendingTimeouts(ctx context.Context, limit int) ([]Conversation, error)
}
