// Package engine is the conversation routing and escalation pipeline. Every
// inbound message, whether polled by the web widget or pushed by the gateway
// webhook, runs reconcile -> compliance -> identity -> route -> act -> append.
//
// The engine holds no per-conversation state in memory. All status changes
// are compare-and-swap updates on the conversation version, so requests for
// the same conversation may run concurrently on any number of instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goldman123123/hebelki.de-sub005/internal/assistant"
	"github.com/goldman123123/hebelki.de-sub005/internal/channels"
	"github.com/goldman123123/hebelki.de-sub005/internal/compliance"
	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/i18n"
	"github.com/goldman123123/hebelki.de-sub005/internal/identity"
	"github.com/goldman123123/hebelki.de-sub005/internal/presence"
	"github.com/goldman123123/hebelki.de-sub005/internal/routing"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

var (
	// ErrDownstreamTimeout wraps assistant and channel-send failures.
	ErrDownstreamTimeout = errors.New("downstream call failed")
	// ErrConversationClosed is returned for operator actions on a closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")
)

var tracer = otel.Tracer("hebelki-chat/engine")

// Deps are the engine's collaborators.
type Deps struct {
	Stores    *store.Stores
	Config    *config.Config
	Assistant assistant.Assistant
	Sender    channels.Sender   // gateway channel delivery
	Presence  presence.Tracker  // nil: no operator is ever online
	Events    events.Publisher  // nil: events are dropped
	Now       func() time.Time  // nil: time.Now

	// AssistantTimeout bounds one assistant invocation including retries.
	AssistantTimeout time.Duration
}

// Engine routes inbound messages and serves the operator API.
type Engine struct {
	stores           *store.Stores
	cfg              *config.Config
	assistant        assistant.Assistant
	sender           channels.Sender
	presence         presence.Tracker
	events           events.Publisher
	now              func() time.Time
	assistantTimeout time.Duration

	resolver   *identity.Resolver
	gate       *compliance.Gate
	reconciler *Reconciler
	keywords   *dedupeCache // provider ids of handled consent keywords
}

type discardEvents struct{}

func (discardEvents) Publish(events.Event) {}

func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = discardEvents{}
	}
	if d.Sender == nil {
		d.Sender = channels.LogSender{}
	}
	if d.AssistantTimeout <= 0 {
		d.AssistantTimeout = 90 * time.Second
	}
	e := &Engine{
		stores:           d.Stores,
		cfg:              d.Config,
		assistant:        d.Assistant,
		sender:           d.Sender,
		presence:         d.Presence,
		events:           d.Events,
		now:              d.Now,
		assistantTimeout: d.AssistantTimeout,
	}
	e.resolver = identity.NewResolver(d.Stores.Customers, func() string {
		return e.cfg.RoutingDefaults().DefaultCountryCode
	})
	e.gate = compliance.NewGate(d.Stores.Customers, e.clock)
	e.reconciler = &Reconciler{e: e}
	e.keywords = newDedupeCache(20*time.Minute, 5000, d.Now)
	return e
}

// Reconciler returns the engine's timeout reconciler.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// clock returns the current time at store precision.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) attempts() int {
	return max(e.cfg.RoutingDefaults().DecisionRetries, 0) + 1
}

// Inbound is one customer (or owner) message from a delivery adapter.
type Inbound struct {
	TenantID   string
	Channel    store.Channel
	Address    string // raw sender: phone number for gateway, session token for web
	Text       string
	ExternalID string // provider message id; redeliveries are dropped
}

// Outcome classifies how an inbound message ended.
type Outcome int

const (
	OutcomeRouted     Outcome = iota
	OutcomeKeyword            // opt-in/opt-out keyword; no conversation touched
	OutcomeBlocked            // customer opted out; nothing stored, nothing sent
	OutcomeDuplicate          // provider redelivery of a processed message
	OutcomeDegraded           // downstream failure or lost races; generic error reply
	OutcomeOwnerReply         // owner message on an owner handoff
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRouted:
		return "routed"
	case OutcomeKeyword:
		return "keyword"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeOwnerReply:
		return "owner_reply"
	}
	return "unknown"
}

// Result describes what the engine did with an inbound message.
type Result struct {
	Outcome      Outcome
	Decision     routing.Decision
	Conversation *store.Conversation
	Replies      []store.Message // messages appended for the customer, in log order
	ReplyText    string          // reply not stored in any conversation (keyword confirmations)
	Err          error           // degradation cause, wraps ErrDownstreamTimeout or store.ErrConflict
}

// HandleInbound runs the full pipeline for one inbound message. Gateway
// replies are sent through the channel sender before it returns; web replies
// are returned and also picked up by the next poll.
//
// Errors are returned only for failures before anything was routed (unknown
// tenant, invalid address, store errors). Downstream failures degrade to a
// generic reply and are reported in Result.Err.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.handle_inbound")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", in.TenantID), attribute.String("channel", string(in.Channel)))

	res, err := e.handleInbound(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()), attribute.String("decision", res.Decision.String()))
	if res.Conversation != nil {
		slog.Info("inbound routed",
			"tenant_id", in.TenantID,
			"conversation_id", res.Conversation.ID,
			"channel", in.Channel,
			"outcome", res.Outcome,
			"decision", res.Decision,
			"status", res.Conversation.Status,
		)
	}
	return res, nil
}

func (e *Engine) handleInbound(ctx context.Context, in Inbound) (*Result, error) {
	if !in.Channel.Valid() {
		return nil, fmt.Errorf("unknown channel %q", in.Channel)
	}
	tenant, err := e.stores.Tenants.Get(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", in.TenantID, err)
	}
	defaults := e.cfg.RoutingDefaults()
	cfg := routing.Resolve(tenant, defaults)

	addr, err := identity.Normalize(in.Channel, in.Address, defaults.DefaultCountryCode)
	if err != nil {
		return nil, err
	}

	if in.Channel == store.ChannelGateway {
		if cfg.RoutingMode == store.RoutingOwnerForward && addr == cfg.OwnerAddress {
			return e.handleOwner(ctx, cfg, in)
		}
		if kw := compliance.MatchKeyword(in.Text); kw != compliance.KeywordNone {
			if in.ExternalID != "" && e.keywords.IsDuplicate(in.TenantID+"|"+in.ExternalID) {
				slog.Info("keyword redelivery ignored", "tenant_id", in.TenantID, "external_id", in.ExternalID)
				return &Result{Outcome: OutcomeDuplicate}, nil
			}
			return e.handleKeyword(ctx, cfg, addr, kw)
		}
	}

	customer, err := e.resolver.Resolve(ctx, in.Channel, addr, in.TenantID)
	if err != nil {
		return nil, err
	}

	if in.Channel == store.ChannelGateway {
		consent, err := e.gate.CheckConsent(ctx, customer)
		if err != nil {
			// Consent bookkeeping must not block the message.
			slog.Warn("consent check failed", "tenant_id", in.TenantID, "customer_id", customer.ID, "error", err)
		}
		if consent == compliance.ConsentBlocked {
			return e.handleBlocked(ctx, customer, in)
		}
	}

	conv, err := e.openConversation(ctx, customer, in.Channel)
	if err != nil {
		return nil, err
	}

	var notices []store.Message
	if conv, notices, err = e.reconciler.reconcile(ctx, conv, cfg); err != nil {
		slog.Warn("reconcile before routing failed", "conversation_id", conv.ID, "error", err)
	}
	if conv.Status == store.StatusClosed {
		// Closed by an operator between lookup and now; start over.
		if conv, err = e.openConversation(ctx, customer, in.Channel); err != nil {
			return nil, err
		}
	}

	msg := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: conv.ID,
		Role:           store.RoleCustomer,
		Content:        in.Text,
		ExternalID:     in.ExternalID,
		CreatedAt:      e.clock(),
	}
	if err := e.stores.Messages.Append(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			slog.Info("inbound redelivery ignored", "tenant_id", in.TenantID, "external_id", in.ExternalID)
			return &Result{Outcome: OutcomeDuplicate, Conversation: conv}, nil
		}
		return nil, fmt.Errorf("append customer message: %w", err)
	}

	res, err := e.decide(ctx, conv.ID, cfg, customer, in.Text)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		res = e.degrade(ctx, conv, cfg, customer, err)
	}
	res.Replies = append(notices, res.Replies...)
	return res, nil
}

// handleBlocked handles a message from an opted-out customer. Nothing is sent
// back, but an operator who owns the conversation still sees the message.
func (e *Engine) handleBlocked(ctx context.Context, customer *store.Customer, in Inbound) (*Result, error) {
	conv, err := e.stores.Conversations.FindOpen(ctx, customer.TenantID, customer.ID, in.Channel)
	if err != nil || !conv.Status.IsLive() {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("find open conversation for opted-out customer failed", "tenant_id", in.TenantID, "customer_id", customer.ID, "error", err)
		}
		slog.Info("inbound dropped: customer opted out", "tenant_id", in.TenantID, "customer_id", customer.ID)
		return &Result{Outcome: OutcomeBlocked}, nil
	}

	msg := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: conv.ID,
		Role:           store.RoleCustomer,
		Content:        in.Text,
		ExternalID:     in.ExternalID,
		CreatedAt:      e.clock(),
	}
	if err := e.stores.Messages.Append(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &Result{Outcome: OutcomeDuplicate, Conversation: conv}, nil
		}
		return nil, fmt.Errorf("append customer message: %w", err)
	}
	slog.Info("opted-out customer message kept for operator", "tenant_id", in.TenantID, "conversation_id", conv.ID, "status", conv.Status)
	return &Result{Outcome: OutcomeBlocked, Decision: routing.AppendOnly, Conversation: conv}, nil
}

// handleKeyword applies an opt-in/opt-out keyword. No conversation is created
// or appended to; the confirmation goes straight back to the sender.
func (e *Engine) handleKeyword(ctx context.Context, cfg routing.Config, addr string, kw compliance.Keyword) (*Result, error) {
	customer, err := e.resolver.Resolve(ctx, store.ChannelGateway, addr, cfg.TenantID)
	if err != nil {
		return nil, err
	}
	if err := e.gate.ApplyKeyword(ctx, customer, kw); err != nil {
		slog.Warn("apply consent keyword failed", "tenant_id", cfg.TenantID, "customer_id", customer.ID, "error", err)
	}

	key, typ := i18n.OptOutConfirmed, events.OptedOut
	if kw == compliance.KeywordOptIn {
		key, typ = i18n.OptInConfirmed, events.OptedIn
	}
	e.emit(typ, cfg.TenantID, nil, customer, nil)

	text := i18n.T(cfg.Locale, key)
	res := &Result{Outcome: OutcomeKeyword, ReplyText: text}
	if err := e.send(ctx, cfg.TenantID, customer.Address, text); err != nil {
		res.Err = err
	}
	slog.Info("consent keyword applied", "tenant_id", cfg.TenantID, "customer_id", customer.ID, "keyword", kw)
	return res, nil
}

// openConversation returns the customer's open conversation on channel,
// creating one in ai_active if none exists.
func (e *Engine) openConversation(ctx context.Context, customer *store.Customer, channel store.Channel) (*store.Conversation, error) {
	conv, err := e.stores.Conversations.FindOpen(ctx, customer.TenantID, customer.ID, channel)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	cid := customer.ID
	conv, err = e.stores.Conversations.Create(ctx, &store.Conversation{
		ID:         store.GenNewID(),
		TenantID:   customer.TenantID,
		CustomerID: &cid,
		Channel:    channel,
		Status:     store.StatusAIActive,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// decide routes the message against the current conversation state and
// applies the decision. A lost compare-and-swap re-reads and re-decides.
func (e *Engine) decide(ctx context.Context, convID uuid.UUID, cfg routing.Config, customer *store.Customer, text string) (*Result, error) {
	in := routing.Inbound{
		Text:                text,
		EscalationRequested: routing.IsEscalationRequest(text),
		OperatorOnline:      e.operatorOnline(ctx, cfg.TenantID),
	}
	attempts := e.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		conv, err := e.stores.Conversations.Get(ctx, convID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		r := routing.Route(conv, cfg, in)
		res, err := e.apply(ctx, conv, cfg, customer, text, r)
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("routing decision lost a race, retrying", "conversation_id", convID, "attempt", attempt)
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("route conversation %s: %w", convID, store.ErrConflict)
}

func (e *Engine) apply(ctx context.Context, conv *store.Conversation, cfg routing.Config, customer *store.Customer, text string, r routing.Result) (*Result, error) {
	switch r.Decision {
	case routing.AppendOnly:
		if conv.Status == store.StatusEscalated {
			return e.collectContact(ctx, conv, cfg, customer, text)
		}
		return &Result{Outcome: OutcomeRouted, Decision: r.Decision, Conversation: conv}, nil

	case routing.QueueForHuman:
		next := conv.Clone()
		queueForHuman(next, cfg, e.clock())
		if err := e.stores.Conversations.Update(ctx, next, conv.Version); err != nil {
			return nil, err
		}
		e.emit(events.QueuedForHuman, cfg.TenantID, next, customer, nil)
		replies := e.respond(ctx, next, customer, e.systemMessage(next, cfg, i18n.QueuedForHuman))
		return &Result{Outcome: OutcomeRouted, Decision: r.Decision, Conversation: next, Replies: replies}, nil

	case routing.ForwardToOwner:
		return e.forwardToOwner(ctx, conv, cfg, customer, text)

	default:
		return e.runAssistant(ctx, conv, cfg, customer, text)
	}
}

func queueForHuman(c *store.Conversation, cfg routing.Config, now time.Time) {
	c.Status = store.StatusLiveQueue
	c.Metadata.QueuedAt = &now
	c.Metadata.TimeoutNotified = false
	c.Metadata.TimeoutSeconds = int(cfg.ChatQueueTimeout / time.Second)
	c.Metadata.HandoffSubStatus = store.HandoffNone
	c.Metadata.NotifiedAt = nil
}

// forwardToOwner starts or continues an owner handoff and relays the text to
// the owner's address.
func (e *Engine) forwardToOwner(ctx context.Context, conv *store.Conversation, cfg routing.Config, customer *store.Customer, text string) (*Result, error) {
	next := conv
	started := !conv.Metadata.SubStatus().Active()
	if started {
		now := e.clock()
		next = conv.Clone()
		next.Status = store.StatusLiveQueue
		next.Metadata.HandoffSubStatus = store.HandoffPendingOwner
		next.Metadata.NotifiedAt = &now
		next.Metadata.QueuedAt = nil
		next.Metadata.TimeoutNotified = false
		next.Metadata.TimeoutSeconds = int(cfg.OwnerHandoffTimeout / time.Second)
		if err := e.stores.Conversations.Update(ctx, next, conv.Version); err != nil {
			return nil, err
		}
	}

	res := &Result{Outcome: OutcomeRouted, Decision: routing.ForwardToOwner, Conversation: next}
	relay := i18n.T(cfg.Locale, i18n.OwnerNewMessage, customer.DisplayName, text, cfg.TakeoverToken)
	if err := e.send(ctx, cfg.TenantID, cfg.OwnerAddress, relay); err != nil {
		// The handoff timeout hands the conversation to the assistant if the owner never sees this.
		res.Err = err
		e.emit(events.DeliveryFailed, cfg.TenantID, next, customer, map[string]string{"recipient": "owner"})
	}
	if started {
		e.emit(events.HandoffRequested, cfg.TenantID, next, customer, nil)
		res.Replies = e.respond(ctx, next, customer, e.systemMessage(next, cfg, i18n.OwnerForwarded))
	}
	return res, nil
}

// runAssistant invokes the assistant for text, provided the tenant has
// acknowledged automation.
func (e *Engine) runAssistant(ctx context.Context, conv *store.Conversation, cfg routing.Config, customer *store.Customer, text string) (*Result, error) {
	if !cfg.AutomationAcknowledged {
		replies := e.respond(ctx, conv, customer, e.systemMessage(conv, cfg, i18n.ContactDirectly))
		return &Result{Outcome: OutcomeRouted, Decision: routing.AssistantProcess, Conversation: conv, Replies: replies}, nil
	}
	reply, err := e.assist(ctx, conv, text)
	if err != nil {
		return e.degrade(ctx, conv, cfg, customer, err), nil
	}
	return e.handleAssistantReply(ctx, conv, cfg, customer, reply)
}

// handleAssistantReply appends the reply, and for a handoff request moves the
// conversation to the human queue (operator online) or to contact collection.
func (e *Engine) handleAssistantReply(ctx context.Context, conv *store.Conversation, cfg routing.Config, customer *store.Customer, reply string) (*Result, error) {
	body, handoff := assistant.ParseReply(reply)
	res := &Result{Outcome: OutcomeRouted, Decision: routing.AssistantProcess, Conversation: conv}

	var msgs []*store.Message
	if body != "" {
		msgs = append(msgs, e.newMessage(conv, store.RoleAssistant, body, nil))
	}
	if !handoff {
		res.Replies = e.respond(ctx, conv, customer, msgs...)
		return res, nil
	}

	online := e.operatorOnline(ctx, cfg.TenantID)
	now := e.clock()
	next, ok, err := e.transition(ctx, conv.ID, func(c *store.Conversation) bool {
		if c.Status != store.StatusAIActive {
			return false
		}
		if online {
			queueForHuman(c, cfg, now)
		} else {
			c.Status = store.StatusEscalated
		}
		return true
	})
	if err != nil {
		// The assistant already answered; deliver that and leave state for the next message.
		slog.Warn("assistant handoff transition failed", "conversation_id", conv.ID, "error", err)
		res.Replies = e.respond(ctx, conv, customer, msgs...)
		return res, nil
	}
	res.Conversation = next
	if ok {
		if online {
			e.emit(events.QueuedForHuman, cfg.TenantID, next, customer, map[string]string{"reason": "assistant_handoff"})
			msgs = append(msgs, e.systemMessage(next, cfg, i18n.QueuedForHuman))
		} else {
			e.emit(events.Escalated, cfg.TenantID, next, customer, map[string]string{"reason": "assistant_handoff"})
			msgs = append(msgs, e.systemMessage(next, cfg, i18n.EscalatedAskInfo))
		}
	}
	res.Replies = e.respond(ctx, next, customer, msgs...)
	return res, nil
}

func (e *Engine) assist(ctx context.Context, conv *store.Conversation, text string) (string, error) {
	if e.assistant == nil {
		return "", fmt.Errorf("%w: no assistant configured", ErrDownstreamTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, e.assistantTimeout)
	defer cancel()
	reply, err := e.assistant.Assist(ctx, conv.TenantID, conv.ID, text)
	if err != nil {
		return "", fmt.Errorf("%w: assistant: %v", ErrDownstreamTimeout, err)
	}
	return reply, nil
}

// degrade answers with the generic technical error and leaves the
// conversation state untouched so the next message retries routing.
func (e *Engine) degrade(ctx context.Context, conv *store.Conversation, cfg routing.Config, customer *store.Customer, cause error) *Result {
	slog.Warn("inbound degraded", "tenant_id", cfg.TenantID, "conversation_id", conv.ID, "error", cause)
	replies := e.respond(ctx, conv, customer, e.systemMessage(conv, cfg, i18n.TechnicalError))
	return &Result{Outcome: OutcomeDegraded, Conversation: conv, Replies: replies, Err: cause}
}

// transition re-reads the conversation and applies mutate under
// compare-and-swap until it commits, mutate declines (ok=false), or attempts
// run out. It returns the conversation as stored afterwards.
func (e *Engine) transition(ctx context.Context, id uuid.UUID, mutate func(*store.Conversation) bool) (*store.Conversation, bool, error) {
	attempts := e.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		cur, err := e.stores.Conversations.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		next := cur.Clone()
		if !mutate(next) {
			return cur, false, nil
		}
		err = e.stores.Conversations.Update(ctx, next, cur.Version)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("transition conversation %s: %w", id, store.ErrConflict)
}

func (e *Engine) newMessage(conv *store.Conversation, role store.Role, text string, meta map[string]string) *store.Message {
	return &store.Message{
		ID:             store.GenNewID(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        text,
		Metadata:       meta,
		CreatedAt:      e.clock(),
	}
}

func (e *Engine) systemMessage(conv *store.Conversation, cfg routing.Config, key string) *store.Message {
	return e.newMessage(conv, store.RoleSystem, i18n.T(cfg.Locale, key), nil)
}

// respond appends msgs to the conversation log and, on the gateway channel,
// sends them to the customer as one text. Failures are logged; the returned
// slice holds what was appended.
func (e *Engine) respond(ctx context.Context, conv *store.Conversation, customer *store.Customer, msgs ...*store.Message) []store.Message {
	var out []store.Message
	var texts []string
	for _, m := range msgs {
		if err := e.stores.Messages.Append(ctx, m); err != nil {
			slog.Error("append reply failed", "conversation_id", conv.ID, "role", m.Role, "error", err)
			continue
		}
		out = append(out, *m)
		texts = append(texts, m.Content)
	}
	if conv.Channel == store.ChannelGateway && customer != nil && len(texts) > 0 {
		if err := e.send(ctx, conv.TenantID, customer.Address, strings.Join(texts, "\n\n")); err != nil {
			e.emit(events.DeliveryFailed, conv.TenantID, conv, customer, map[string]string{"recipient": "customer"})
		}
	}
	return out
}

// send delivers text on the gateway channel.
func (e *Engine) send(ctx context.Context, tenantID, address, text string) error {
	if err := e.sender.Send(ctx, address, text, tenantID); err != nil {
		slog.Warn("gateway delivery failed", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("%w: send: %v", ErrDownstreamTimeout, err)
	}
	return nil
}

func (e *Engine) operatorOnline(ctx context.Context, tenantID string) bool {
	if e.presence == nil {
		return false
	}
	online, err := e.presence.IsAnyOperatorOnline(ctx, tenantID)
	if err != nil {
		slog.Warn("presence lookup failed, assuming nobody online", "tenant_id", tenantID, "error", err)
		return false
	}
	return online
}

func (e *Engine) customerOf(ctx context.Context, conv *store.Conversation) *store.Customer {
	if conv.CustomerID == nil {
		return nil
	}
	c, err := e.stores.Customers.Get(ctx, *conv.CustomerID)
	if err != nil {
		slog.Warn("load conversation customer", "conversation_id", conv.ID, "error", err)
		return nil
	}
	return c
}

func (e *Engine) emit(t events.Type, tenantID string, conv *store.Conversation, customer *store.Customer, detail map[string]string) {
	ev := events.Event{ID: store.GenNewID(), Type: t, TenantID: tenantID, Detail: detail, At: e.clock()}
	if conv != nil {
		id := conv.ID
		ev.ConversationID = &id
	}
	if customer != nil {
		id := customer.ID
		ev.CustomerID = &id
	}
	e.events.Publish(ev)
}
