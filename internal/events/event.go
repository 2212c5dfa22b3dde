// Package events carries routing notifications to the external email and
// alerting pipeline. Emission never blocks or fails the request that caused it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a routing notification.
type Type string

const (
	HandoffRequested Type = "handoff_requested" // customer message forwarded to the owner
	Escalated        Type = "escalated"         // contact-collection flow entered or contact captured
	QueuedForHuman   Type = "queued_for_human"
	TimeoutReverted  Type = "timeout_reverted" // queue timed out, automation resumed
	QueueTimeout     Type = "queue_timeout"    // queue timed out, human follow-up by fallback channel
	AITakeover       Type = "ai_takeover"      // owner handoff taken over by the assistant
	OptedOut         Type = "opted_out"
	OptedIn          Type = "opted_in"
	DeliveryFailed   Type = "delivery_failed"
)

// Event is one notification. ID is unique and used as the idempotency key downstream.
type Event struct {
	ID             uuid.UUID         `json:"id"`
	Type           Type              `json:"type"`
	TenantID       string            `json:"tenantId"`
	ConversationID *uuid.UUID        `json:"conversationId,omitempty"`
	CustomerID     *uuid.UUID        `json:"customerId,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
	At             time.Time         `json:"at"`
}

// Emitter delivers an event to one backend. Implementations may block and fail;
// the Queue isolates callers from both.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
