package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/i18n"
	"github.com/goldman123123/hebelki.de-sub005/internal/routing"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// Reconciler applies elapsed deadlines: the chat-queue timeout and the owner
// handoff timeout. It runs at the start of every poll and inbound message for
// the conversation involved, and from the background Sweeper.
//
// Every action is guarded by a compare-and-swap on the conversation, and the
// state it writes makes the deadline no longer due, so concurrent reconciles
// past the same deadline notify once. Within one process concurrent calls for
// a conversation are also collapsed with singleflight.
type Reconciler struct {
	e  *Engine
	sf singleflight.Group
}

type reconcileResult struct {
	conv    *store.Conversation
	notices []store.Message
}

type deadline int

const (
	deadlineNone deadline = iota
	deadlineQueue
	deadlineOwner
)

func window(snapshotSec int, fallback time.Duration) time.Duration {
	if snapshotSec > 0 {
		return time.Duration(snapshotSec) * time.Second
	}
	return fallback
}

// due reports which deadline, if any, has elapsed for conv at now.
func due(conv *store.Conversation, cfg routing.Config, now time.Time) deadline {
	if conv.Status != store.StatusLiveQueue {
		return deadlineNone
	}
	m := conv.Metadata
	switch m.SubStatus() {
	case store.HandoffPendingOwner:
		if m.NotifiedAt != nil && now.Sub(*m.NotifiedAt) >= window(m.TimeoutSeconds, cfg.OwnerHandoffTimeout) {
			return deadlineOwner
		}
	case store.HandoffNone, store.HandoffAITakeover:
		if m.QueuedAt != nil && !m.TimeoutNotified && now.Sub(*m.QueuedAt) >= window(m.TimeoutSeconds, cfg.ChatQueueTimeout) {
			return deadlineQueue
		}
	}
	return deadlineNone
}

// Reconcile loads the tenant's routing config and reconciles conv.
func (r *Reconciler) Reconcile(ctx context.Context, conv *store.Conversation) (*store.Conversation, []store.Message, error) {
	tenant, err := r.e.stores.Tenants.Get(ctx, conv.TenantID)
	if err != nil {
		return conv, nil, fmt.Errorf("load tenant %s: %w", conv.TenantID, err)
	}
	return r.reconcile(ctx, conv, routing.Resolve(tenant, r.e.cfg.RoutingDefaults()))
}

// reconcile returns the conversation as stored afterwards and any notices
// appended for the customer. On error conv is returned unchanged.
func (r *Reconciler) reconcile(ctx context.Context, conv *store.Conversation, cfg routing.Config) (*store.Conversation, []store.Message, error) {
	if due(conv, cfg, r.e.clock()) == deadlineNone {
		return conv, nil, nil
	}
	v, err, _ := r.sf.Do(conv.ID.String(), func() (any, error) {
		return r.run(ctx, conv, cfg)
	})
	if err != nil {
		return conv, nil, err
	}
	res := v.(reconcileResult)
	return res.conv, res.notices, nil
}

func (r *Reconciler) run(ctx context.Context, conv *store.Conversation, cfg routing.Config) (reconcileResult, error) {
	ctx, span := tracer.Start(ctx, "engine.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conv.ID.String()))

	e := r.e
	now := e.clock()
	switch due(conv, cfg, now) {
	case deadlineOwner:
		res, err := e.takeover(ctx, conv.ID, cfg, "timeout")
		if err != nil {
			return reconcileResult{}, err
		}
		return reconcileResult{conv: res.Conversation, notices: res.Replies}, nil

	case deadlineQueue:
		revert := cfg.DefaultMode == store.ModeAutomationFirst
		next, ok, err := e.transition(ctx, conv.ID, func(c *store.Conversation) bool {
			if due(c, cfg, now) != deadlineQueue {
				return false
			}
			if revert {
				c.Status = store.StatusAIActive
				c.Metadata.QueuedAt = nil
				c.Metadata.TimeoutNotified = false
				c.Metadata.TimeoutSeconds = 0
			} else {
				c.Metadata.TimeoutNotified = true
			}
			return true
		})
		if err != nil {
			return reconcileResult{}, err
		}
		if !ok {
			return reconcileResult{conv: next}, nil
		}

		customer := e.customerOf(ctx, next)
		key, typ := i18n.QueueTimeoutEmail, events.QueueTimeout
		if revert {
			key, typ = i18n.QueueTimeoutAI, events.TimeoutReverted
		}
		e.emit(typ, cfg.TenantID, next, customer, nil)
		slog.Info("chat queue timed out", "tenant_id", cfg.TenantID, "conversation_id", next.ID, "reverted", revert)
		notices := e.respond(ctx, next, customer, e.systemMessage(next, cfg, key))
		return reconcileResult{conv: next, notices: notices}, nil
	}
	cur, err := e.stores.Conversations.Get(ctx, conv.ID)
	if err != nil {
		return reconcileResult{}, err
	}
	return reconcileResult{conv: cur}, nil
}

// Sweep reconciles conversations with pending deadlines that no request has
// touched. It returns how many conversations changed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	pending, err := e.stores.Conversations.ListPendingTimeouts(ctx, 200)
	if err != nil {
		return 0, fmt.Errorf("list pending timeouts: %w", err)
	}
	tenants := make(map[string]routing.Config)
	defaults := e.cfg.RoutingDefaults()
	now := e.clock()
	changed := 0
	for i := range pending {
		conv := &pending[i]
		cfg, ok := tenants[conv.TenantID]
		if !ok {
			t, err := e.stores.Tenants.Get(ctx, conv.TenantID)
			if err != nil {
				slog.Warn("sweep: load tenant", "tenant_id", conv.TenantID, "error", err)
				continue
			}
			cfg = routing.Resolve(t, defaults)
			tenants[conv.TenantID] = cfg
		}
		if due(conv, cfg, now) == deadlineNone {
			continue
		}
		next, _, err := e.reconciler.reconcile(ctx, conv, cfg)
		if err != nil {
			slog.Warn("sweep: reconcile", "conversation_id", conv.ID, "error", err)
			continue
		}
		if next.Version != conv.Version {
			changed++
		}
	}
	return changed, ctx.Err()
}
