package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/i18n"
	"github.com/goldman123123/hebelki.de-sub005/internal/routing"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// PollResult is the web adapter's view of a conversation since a cursor.
type PollResult struct {
	Messages []store.Message          `json:"messages"`
	Status   store.ConversationStatus `json:"status"`
	Cursor   time.Time                `json:"cursor"`
}

// Poll returns assistant, operator and system messages created at or after
// since, in log order. The bound is inclusive, so messages sharing the
// cursor's timestamp are returned again; clients deduplicate by message id.
// sessionToken, when set, must belong to the conversation's customer.
func (e *Engine) Poll(ctx context.Context, tenantID string, convID uuid.UUID, sessionToken string, since time.Time) (*PollResult, error) {
	ctx, span := tracer.Start(ctx, "engine.poll")
	defer span.End()

	conv, err := e.tenantConversation(ctx, tenantID, convID)
	if err != nil {
		return nil, err
	}
	if sessionToken != "" {
		c := e.customerOf(ctx, conv)
		if c == nil || c.Channel != store.ChannelWeb || c.Address != strings.TrimSpace(sessionToken) {
			return nil, store.ErrNotFound
		}
	}

	if conv, _, err = e.reconciler.Reconcile(ctx, conv); err != nil {
		slog.Warn("reconcile on poll failed", "conversation_id", convID, "error", err)
	}

	msgs, err := e.stores.Messages.ListSince(ctx, convID, since.UTC(), store.OutboundRoles)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	cursor := since.UTC()
	if n := len(msgs); n > 0 {
		cursor = msgs[n-1].CreatedAt
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return &PollResult{Messages: msgs, Status: conv.Status, Cursor: cursor}, nil
}

func (e *Engine) tenantConversation(ctx context.Context, tenantID string, convID uuid.UUID) (*store.Conversation, error) {
	conv, err := e.stores.Conversations.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && conv.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

// ListConversations returns the tenant's conversations, most recently updated
// first, with the last message and the count of unread customer messages.
func (e *Engine) ListConversations(ctx context.Context, tenantID string, opts store.ConversationListOpts) ([]store.ConversationSummary, error) {
	if _, err := e.stores.Tenants.Get(ctx, tenantID); err != nil {
		return nil, err
	}
	return e.stores.Conversations.ListByTenant(ctx, tenantID, opts)
}

// GetMessages returns the conversation log after sinceID (from the start when
// nil) and marks the customer's messages as read.
func (e *Engine) GetMessages(ctx context.Context, tenantID string, convID uuid.UUID, sinceID *uuid.UUID) ([]store.Message, error) {
	if _, err := e.tenantConversation(ctx, tenantID, convID); err != nil {
		return nil, err
	}
	msgs, err := e.stores.Messages.ListAfter(ctx, convID, sinceID, 200)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := e.stores.Messages.MarkRead(ctx, convID, store.RoleCustomer, e.clock()); err != nil {
		slog.Warn("mark messages read", "conversation_id", convID, "error", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// PostOperatorReply appends an operator message and delivers it on the
// customer's channel. The conversation moves to live_active so automation
// never answers over the operator. A failed gateway delivery is logged and
// reported as an event; the message stays in the log.
func (e *Engine) PostOperatorReply(ctx context.Context, tenantID string, convID uuid.UUID, operatorName, text string) (*store.Message, error) {
	ctx, span := tracer.Start(ctx, "engine.operator_reply")
	defer span.End()

	conv, err := e.tenantConversation(ctx, tenantID, convID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		return nil, ErrConversationClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty reply")
	}

	next, _, err := e.transition(ctx, convID, func(c *store.Conversation) bool {
		if c.Status == store.StatusClosed || c.Status == store.StatusLiveActive {
			return false
		}
		c.Status = store.StatusLiveActive
		if c.Metadata.SubStatus() == store.HandoffPendingOwner {
			c.Metadata.HandoffSubStatus = store.HandoffOwnerActive
			c.Metadata.NotifiedAt = nil
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if next.Status == store.StatusClosed {
		return nil, ErrConversationClosed
	}

	var meta map[string]string
	if operatorName != "" {
		meta = map[string]string{"operator": operatorName}
	}
	msg := e.newMessage(next, store.RoleOperator, text, meta)
	if err := e.stores.Messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("append operator reply: %w", err)
	}
	slog.Info("operator replied", "tenant_id", next.TenantID, "conversation_id", convID, "status", next.Status)

	if next.Channel == store.ChannelGateway {
		if customer := e.customerOf(ctx, next); customer != nil {
			if err := e.send(ctx, next.TenantID, customer.Address, text); err != nil {
				e.emit(events.DeliveryFailed, next.TenantID, next, customer, map[string]string{"recipient": "customer"})
			}
		}
	}
	return msg, nil
}

// CloseConversation moves the conversation to closed and appends a closing
// notice. Closing a closed conversation is a no-op.
func (e *Engine) CloseConversation(ctx context.Context, tenantID string, convID uuid.UUID) (*store.Conversation, error) {
	conv, err := e.tenantConversation(ctx, tenantID, convID)
	if err != nil {
		return nil, err
	}
	next, ok, err := e.transition(ctx, convID, func(c *store.Conversation) bool {
		if c.Status == store.StatusClosed {
			return false
		}
		c.Status = store.StatusClosed
		return true
	})
	if err != nil {
		return nil, err
	}
	if ok {
		locale := ""
		if t, err := e.stores.Tenants.Get(ctx, conv.TenantID); err == nil {
			locale = t.Locale
		}
		e.respond(ctx, next, e.customerOf(ctx, next), e.systemMessage(next, routing.Config{Locale: locale}, i18n.ConversationEnded))
		slog.Info("conversation closed", "tenant_id", next.TenantID, "conversation_id", convID)
	}
	return next, nil
}

// Heartbeat records that an operator of the tenant is online.
func (e *Engine) Heartbeat(ctx context.Context, tenantID, operatorID string) error {
	if e.presence == nil {
		return fmt.Errorf("presence tracking disabled")
	}
	if _, err := e.stores.Tenants.Get(ctx, tenantID); err != nil {
		return err
	}
	return e.presence.Heartbeat(ctx, tenantID, operatorID)
}
