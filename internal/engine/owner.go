package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/i18n"
	"github.com/goldman123123/hebelki.de-sub005/internal/routing"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// handleOwner processes a message from the tenant owner's own address. It
// answers the most recent open handoff: either as an operator reply relayed
// to the customer, or, for the takeover token, by handing the conversation
// to the assistant.
func (e *Engine) handleOwner(ctx context.Context, cfg routing.Config, in Inbound) (*Result, error) {
	conv, err := e.stores.Conversations.LatestHandoff(ctx, cfg.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		res := &Result{Outcome: OutcomeOwnerReply, ReplyText: i18n.T(cfg.Locale, i18n.OwnerNoHandoff)}
		res.Err = e.send(ctx, cfg.TenantID, cfg.OwnerAddress, res.ReplyText)
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest handoff: %w", err)
	}

	r := routing.Route(conv, cfg, routing.Inbound{Text: in.Text, FromOwner: true})
	if r.Takeover {
		res, err := e.takeover(ctx, conv.ID, cfg, "owner_command")
		if res != nil {
			res.Outcome = OutcomeOwnerReply
		}
		return res, err
	}

	msg := e.newMessage(conv, store.RoleOperator, in.Text, map[string]string{"operator": "owner"})
	msg.ExternalID = in.ExternalID
	if err := e.stores.Messages.Append(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &Result{Outcome: OutcomeDuplicate, Conversation: conv}, nil
		}
		return nil, fmt.Errorf("append owner reply: %w", err)
	}

	next, _, err := e.transition(ctx, conv.ID, func(c *store.Conversation) bool {
		if !c.Metadata.SubStatus().Active() || c.Metadata.HandoffSubStatus == store.HandoffOwnerActive {
			return false
		}
		c.Status = store.StatusLiveActive
		c.Metadata.HandoffSubStatus = store.HandoffOwnerActive
		c.Metadata.NotifiedAt = nil
		return true
	})
	if err != nil {
		slog.Warn("owner reply transition failed", "conversation_id", conv.ID, "error", err)
		next = conv
	}

	res := &Result{Outcome: OutcomeOwnerReply, Decision: r.Decision, Conversation: next, Replies: []store.Message{*msg}}
	if customer := e.customerOf(ctx, next); customer != nil {
		if err := e.send(ctx, cfg.TenantID, customer.Address, in.Text); err != nil {
			res.Err = err
			e.emit(events.DeliveryFailed, cfg.TenantID, next, customer, map[string]string{"recipient": "customer"})
		}
	}
	return res, nil
}

// takeover ends an active owner handoff: the conversation returns to the
// assistant with sub-status ai_takeover, and the most recent customer message
// is answered by the assistant. Only the request that wins the transition
// does any of this, so concurrent takeovers produce one reply.
func (e *Engine) takeover(ctx context.Context, convID uuid.UUID, cfg routing.Config, reason string) (*Result, error) {
	conv, ok, err := e.transition(ctx, convID, func(c *store.Conversation) bool {
		if !c.Metadata.SubStatus().Active() {
			return false
		}
		c.Status = store.StatusAIActive
		c.Metadata.HandoffSubStatus = store.HandoffAITakeover
		c.Metadata.NotifiedAt = nil
		c.Metadata.QueuedAt = nil
		return true
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Outcome: OutcomeRouted, Decision: routing.AssistantProcess, Conversation: conv}
	if !ok {
		return res, nil
	}

	customer := e.customerOf(ctx, conv)
	e.emit(events.AITakeover, cfg.TenantID, conv, customer, map[string]string{"reason": reason})
	slog.Info("assistant took over owner handoff", "tenant_id", cfg.TenantID, "conversation_id", conv.ID, "reason", reason)

	if reason == "timeout" && customer != nil {
		if err := e.send(ctx, cfg.TenantID, cfg.OwnerAddress, i18n.T(cfg.Locale, i18n.OwnerTakeover, customer.DisplayName)); err != nil {
			e.emit(events.DeliveryFailed, cfg.TenantID, conv, customer, map[string]string{"recipient": "owner"})
		}
	}

	last, err := e.stores.Messages.LastByRole(ctx, conv.ID, store.RoleCustomer)
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last customer message: %w", err)
	}
	return e.runAssistant(ctx, conv, cfg, customer, last.Content)
}
