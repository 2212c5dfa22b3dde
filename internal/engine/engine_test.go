package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/assistant"
	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/i18n"
	"github.com/goldman123123/hebelki.de-sub005/internal/identity"
	"github.com/goldman123123/hebelki.de-sub005/internal/presence"
	"github.com/goldman123123/hebelki.de-sub005/internal/routing"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
	"github.com/goldman123123/hebelki.de-sub005/internal/store/memory"
)

const (
	tenantID     = "salon-mitte"
	ownerPhone   = "+4915100000000"
	customerTel  = "+4915111111111"
	webSession   = "sess-4f2a9c"
	assistPrefix = "Gern helfe ich: "
)

type sent struct{ to, text, tenant string }

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *recordingSender) Send(_ context.Context, address, text, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, sent{address, text, tenant})
	return nil
}

func (s *recordingSender) to(address string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if m.to == address {
			out = append(out, m.text)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	engine   *Engine
	stores   *store.Stores
	cfg      *config.Config
	sender   *recordingSender
	events   *events.Recorder
	presence *presence.MemoryTracker

	mu    sync.Mutex
	clock time.Time

	assistCalls atomic.Int32
	assistTexts chan string
	assistFn    func(text string) (string, error)
}

func newHarness(t *testing.T, tenant store.Tenant) *harness {
	t.Helper()
	stores, _ := memory.New()
	h := &harness{
		t:           t,
		stores:      stores,
		cfg:         config.Default(),
		sender:      &recordingSender{},
		events:      &events.Recorder{},
		clock:       time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		assistTexts: make(chan string, 64),
	}
	h.assistFn = func(text string) (string, error) { return assistPrefix + text, nil }
	h.presence = presence.NewMemoryTracker(90*time.Second, h.now)

	if tenant.ID == "" {
		tenant.ID = tenantID
	}
	if tenant.Locale == "" {
		tenant.Locale = "de"
	}
	if err := stores.Tenants.(*memory.TenantStore).Put(context.Background(), &tenant); err != nil {
		t.Fatal(err)
	}

	h.engine = New(Deps{
		Stores: stores,
		Config: h.cfg,
		Assistant: assistant.Func(func(_ context.Context, _ string, _ uuid.UUID, text string) (string, error) {
			h.assistCalls.Add(1)
			h.assistTexts <- text
			return h.assistFn(text)
		}),
		Sender:   h.sender,
		Presence: h.presence,
		Events:   h.events,
		Now:      h.now,
	})
	return h
}

// acknowledged returns a tenant that accepted the current automation terms.
func acknowledged(t store.Tenant) store.Tenant {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t.AutomationAckVersion = 1
	t.AutomationAckAt = &at
	return t
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) operatorOnline() {
	h.t.Helper()
	if err := h.engine.Heartbeat(context.Background(), tenantID, "op-anna"); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) web(text string) *Result {
	h.t.Helper()
	return h.inbound(Inbound{TenantID: tenantID, Channel: store.ChannelWeb, Address: webSession, Text: text})
}

func (h *harness) gateway(from, text string) *Result {
	h.t.Helper()
	return h.inbound(Inbound{TenantID: tenantID, Channel: store.ChannelGateway, Address: from, Text: text})
}

func (h *harness) inbound(in Inbound) *Result {
	h.t.Helper()
	res, err := h.engine.HandleInbound(context.Background(), in)
	if err != nil {
		h.t.Fatalf("HandleInbound(%q): %v", in.Text, err)
	}
	return res
}

func (h *harness) conversation(id uuid.UUID) *store.Conversation {
	h.t.Helper()
	c, err := h.stores.Conversations.Get(context.Background(), id)
	if err != nil {
		h.t.Fatal(err)
	}
	return c
}

func (h *harness) log(id uuid.UUID) []store.Message {
	h.t.Helper()
	msgs, err := h.stores.Messages.ListAfter(context.Background(), id, nil, 1000)
	if err != nil {
		h.t.Fatal(err)
	}
	return msgs
}

func countContent(msgs []store.Message, role store.Role, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role && m.Content == text {
			n++
		}
	}
	return n
}

func de(key string, args ...any) string { return i18n.T("de", key, args...) }

func TestAutomationFirst_AssistantAnswers(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))

	res := h.web("Hello")

	if res.Decision != routing.AssistantProcess || res.Outcome != OutcomeRouted {
		t.Fatalf("decision = %s, outcome = %s", res.Decision, res.Outcome)
	}
	if res.Conversation.Status != store.StatusAIActive {
		t.Errorf("status = %s, want ai_active", res.Conversation.Status)
	}
	if len(res.Replies) != 1 || res.Replies[0].Role != store.RoleAssistant || res.Replies[0].Content != assistPrefix+"Hello" {
		t.Fatalf("replies = %+v", res.Replies)
	}
	log := h.log(res.Conversation.ID)
	if len(log) != 2 || log[0].Role != store.RoleCustomer || log[1].Role != store.RoleAssistant {
		t.Errorf("log = %+v", log)
	}
	if h.assistCalls.Load() != 1 {
		t.Errorf("assistant calls = %d", h.assistCalls.Load())
	}
}

func TestHumanFirst_QueueThenOperator(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{DefaultMode: store.ModeHumanFirst}))
	h.operatorOnline()

	first := h.web("Ich brauche einen Termin")
	if first.Decision != routing.QueueForHuman || first.Conversation.Status != store.StatusLiveQueue {
		t.Fatalf("first: decision = %s, status = %s", first.Decision, first.Conversation.Status)
	}
	if len(first.Replies) != 1 || first.Replies[0].Content != de(i18n.QueuedForHuman) {
		t.Errorf("first replies = %+v", first.Replies)
	}

	second := h.web("Hallo?")
	if second.Decision != routing.AppendOnly {
		t.Fatalf("second decision = %s, want append_only", second.Decision)
	}
	if len(second.Replies) != 0 {
		t.Errorf("append-only produced replies: %+v", second.Replies)
	}
	if h.assistCalls.Load() != 0 {
		t.Fatalf("assistant called %d times while queued", h.assistCalls.Load())
	}

	msg, err := h.engine.PostOperatorReply(context.Background(), tenantID, first.Conversation.ID, "Anna", "Hallo, ich bin Anna.")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Role != store.RoleOperator || msg.Metadata["operator"] != "Anna" {
		t.Errorf("operator message = %+v", msg)
	}
	if got := h.conversation(first.Conversation.ID).Status; got != store.StatusLiveActive {
		t.Errorf("status after operator reply = %s, want live_active", got)
	}
	if h.events.Count(events.QueuedForHuman) != 1 {
		t.Errorf("queued events = %d", h.events.Count(events.QueuedForHuman))
	}
}

func TestHumanFirst_NoOperatorFallsBackToAssistant(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{DefaultMode: store.ModeHumanFirst}))
	res := h.web("Hallo")
	if res.Decision != routing.AssistantProcess || h.assistCalls.Load() != 1 {
		t.Fatalf("decision = %s, assistant calls = %d", res.Decision, h.assistCalls.Load())
	}
}

func TestLiveConversation_NeverReachesAssistant(t *testing.T) {
	for _, mode := range []store.DefaultMode{store.ModeAutomationFirst, store.ModeHumanFirst} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, acknowledged(store.Tenant{DefaultMode: mode}))
			h.operatorOnline()
			res := h.web("Ich möchte mit einem Mitarbeiter sprechen")
			if res.Conversation.Status != store.StatusLiveQueue {
				t.Fatalf("status = %s", res.Conversation.Status)
			}
			before := h.assistCalls.Load()
			for _, text := range []string{"Hallo", "Termin morgen?", "human please"} {
				if r := h.web(text); r.Decision != routing.AppendOnly {
					t.Fatalf("%q routed to %s", text, r.Decision)
				}
			}
			if _, err := h.engine.PostOperatorReply(context.Background(), tenantID, res.Conversation.ID, "", "Bin da"); err != nil {
				t.Fatal(err)
			}
			h.web("Danke")
			if h.assistCalls.Load() != before {
				t.Errorf("assistant called during live conversation")
			}
		})
	}
}

func TestAutomationNotAcknowledged(t *testing.T) {
	h := newHarness(t, store.Tenant{})
	res := h.web("Hallo")
	if h.assistCalls.Load() != 0 {
		t.Fatal("assistant must not run without acknowledgement")
	}
	if len(res.Replies) != 1 || res.Replies[0].Content != de(i18n.ContactDirectly) {
		t.Errorf("replies = %+v", res.Replies)
	}

	// Stale acknowledgement counts as missing.
	h2 := newHarness(t, acknowledged(store.Tenant{}))
	h2.cfg.Routing.AutomationTermsVersion = 2
	h2.web("Hallo")
	if h2.assistCalls.Load() != 0 {
		t.Fatal("stale acknowledgement must disable automation")
	}
}

func TestAutomationNotAcknowledged_HumanPathStillWorks(t *testing.T) {
	h := newHarness(t, store.Tenant{DefaultMode: store.ModeHumanFirst})
	h.operatorOnline()
	res := h.web("Hallo")
	if res.Decision != routing.QueueForHuman {
		t.Fatalf("decision = %s, want queue_for_human", res.Decision)
	}
}

func TestOptOutKeyword(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))

	res := h.gateway("whatsapp:"+customerTel, "STOP")
	if res.Outcome != OutcomeKeyword || res.Conversation != nil {
		t.Fatalf("outcome = %s, conversation = %v", res.Outcome, res.Conversation)
	}
	if got := h.sender.to(customerTel); len(got) != 1 || got[0] != de(i18n.OptOutConfirmed) {
		t.Errorf("sent = %q", got)
	}
	list, _ := h.engine.ListConversations(context.Background(), tenantID, store.ConversationListOpts{IncludeClosed: true})
	if len(list) != 0 {
		t.Fatalf("STOP created %d conversations", len(list))
	}
	if h.events.Count(events.OptedOut) != 1 {
		t.Error("opted_out event missing")
	}

	// Later messages are dropped silently.
	res = h.gateway(customerTel, "Hallo, noch da?")
	if res.Outcome != OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", res.Outcome)
	}
	if h.assistCalls.Load() != 0 || len(h.sender.to(customerTel)) != 1 {
		t.Error("opted-out customer received a reply")
	}

	// START re-enables processing.
	h.gateway(customerTel, "start")
	res = h.gateway(customerTel, "Hallo")
	if res.Outcome != OutcomeRouted || h.assistCalls.Load() != 1 {
		t.Fatalf("after START: outcome = %s, calls = %d", res.Outcome, h.assistCalls.Load())
	}
}

func TestOptOut_LiveConversationKeepsMessages(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{DefaultMode: store.ModeHumanFirst}))
	h.operatorOnline()

	first := h.gateway(customerTel, "Hallo")
	if first.Conversation == nil || first.Conversation.Status != store.StatusLiveQueue {
		t.Fatalf("first = %+v", first)
	}
	convID := first.Conversation.ID
	h.gateway(customerTel, "STOP")
	sent := len(h.sender.to(customerTel))
	before := len(h.log(convID))

	res := h.gateway(customerTel, "Wann habt ihr morgen offen?")
	if res.Outcome != OutcomeBlocked || res.Decision != routing.AppendOnly {
		t.Fatalf("outcome = %s, decision = %s", res.Outcome, res.Decision)
	}
	msgs := h.log(convID)
	if len(msgs) != before+1 || countContent(msgs, store.RoleCustomer, "Wann habt ihr morgen offen?") != 1 {
		t.Errorf("message not appended for operator: before = %d, after = %d", before, len(msgs))
	}
	if len(h.sender.to(customerTel)) != sent || h.assistCalls.Load() != 0 {
		t.Error("opted-out customer received a reply")
	}
	if got := h.conversation(convID).Status; got != store.StatusLiveQueue {
		t.Errorf("status = %s, want live_queue", got)
	}
}

func TestOptOut_NonLiveConversationStaysSilent(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	first := h.gateway(customerTel, "Hallo")
	h.gateway(customerTel, "STOP")
	before := len(h.log(first.Conversation.ID))

	res := h.gateway(customerTel, "Noch eine Frage")
	if res.Outcome != OutcomeBlocked || res.Conversation != nil {
		t.Fatalf("outcome = %s, conversation = %v", res.Outcome, res.Conversation)
	}
	if n := len(h.log(first.Conversation.ID)); n != before {
		t.Errorf("log grew from %d to %d", before, n)
	}
}

func TestKeywordRedeliveryConfirmsOnce(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	in := Inbound{TenantID: tenantID, Channel: store.ChannelGateway, Address: customerTel, Text: "STOP", ExternalID: "SM-stop-1"}

	if res := h.inbound(in); res.Outcome != OutcomeKeyword {
		t.Fatalf("first outcome = %s", res.Outcome)
	}
	if res := h.inbound(in); res.Outcome != OutcomeDuplicate {
		t.Fatalf("redelivery outcome = %s", res.Outcome)
	}
	if got := h.sender.to(customerTel); len(got) != 1 {
		t.Errorf("confirmation sent %d times: %q", len(got), got)
	}
	if h.events.Count(events.OptedOut) != 1 {
		t.Errorf("opted_out events = %d", h.events.Count(events.OptedOut))
	}

	// Keywords without a provider id are always applied.
	h.gateway(customerTel, "STOP")
	h.gateway(customerTel, "STOP")
	if got := h.sender.to(customerTel); len(got) != 3 {
		t.Errorf("sent = %q", got)
	}
}

func TestGateway_ImplicitOptInAndReplySent(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	res := h.gateway("0151 11111111", "Habt ihr morgen frei?")

	if got := h.sender.to(customerTel); len(got) != 1 || got[0] != assistPrefix+"Habt ihr morgen frei?" {
		t.Fatalf("sent = %q", got)
	}
	c, err := h.stores.Customers.Get(context.Background(), *res.Conversation.CustomerID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Address != customerTel || c.OptInStatus != store.OptInOptedIn || c.OptInSource != store.OptInSourceImplicit {
		t.Errorf("customer = %+v", c)
	}
}

func TestWebhookRedeliveryIsIgnored(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	in := Inbound{TenantID: tenantID, Channel: store.ChannelGateway, Address: customerTel, Text: "Hallo", ExternalID: "SM123"}

	first := h.inbound(in)
	second := h.inbound(in)

	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("second outcome = %s", second.Outcome)
	}
	if h.assistCalls.Load() != 1 || len(h.sender.to(customerTel)) != 1 {
		t.Errorf("redelivery reprocessed: calls = %d", h.assistCalls.Load())
	}
	if n := len(h.log(first.Conversation.ID)); n != 2 {
		t.Errorf("log length = %d, want 2", n)
	}
}

func TestAssistantFailureDegrades(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	h.assistFn = func(string) (string, error) { return "", context.DeadlineExceeded }

	res := h.web("Hallo")
	if res.Outcome != OutcomeDegraded || !errors.Is(res.Err, ErrDownstreamTimeout) {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if len(res.Replies) != 1 || res.Replies[0].Content != de(i18n.TechnicalError) {
		t.Errorf("replies = %+v", res.Replies)
	}
	if got := h.conversation(res.Conversation.ID); got.Status != store.StatusAIActive || got.Version != res.Conversation.Version {
		t.Errorf("state changed on degradation: %+v", got)
	}

	h.assistFn = func(text string) (string, error) { return "ok", nil }
	if r := h.web("Nochmal"); r.Outcome != OutcomeRouted {
		t.Errorf("next message not retried: %s", r.Outcome)
	}
}

func TestSendFailureIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	h.sender.err = errors.New("bridge down")

	res := h.gateway(customerTel, "Hallo")
	if res.Outcome != OutcomeRouted || len(res.Replies) != 1 {
		t.Fatalf("outcome = %s, replies = %d", res.Outcome, len(res.Replies))
	}
	if h.events.Count(events.DeliveryFailed) != 1 {
		t.Error("delivery_failed event missing")
	}
}

func TestAssistantHandoff(t *testing.T) {
	t.Run("operator online queues", func(t *testing.T) {
		h := newHarness(t, acknowledged(store.Tenant{}))
		h.operatorOnline()
		h.assistFn = func(string) (string, error) { return "Das klärt besser ein Kollege. [HANDOFF]", nil }

		res := h.web("Ich habe eine Reklamation")
		if res.Conversation.Status != store.StatusLiveQueue {
			t.Fatalf("status = %s", res.Conversation.Status)
		}
		if len(res.Replies) != 2 || res.Replies[0].Content != "Das klärt besser ein Kollege." || res.Replies[1].Content != de(i18n.QueuedForHuman) {
			t.Errorf("replies = %+v", res.Replies)
		}
	})

	t.Run("nobody online escalates and collects contact", func(t *testing.T) {
		h := newHarness(t, acknowledged(store.Tenant{}))
		h.assistFn = func(string) (string, error) { return "[HANDOFF]", nil }

		res := h.web("Ich habe eine Reklamation")
		if res.Conversation.Status != store.StatusEscalated {
			t.Fatalf("status = %s", res.Conversation.Status)
		}
		if len(res.Replies) != 1 || res.Replies[0].Content != de(i18n.EscalatedAskInfo) {
			t.Errorf("replies = %+v", res.Replies)
		}

		res = h.web("Wann?")
		if res.Replies[0].Content != de(i18n.EscalatedAskInfo) {
			t.Errorf("without contact: %+v", res.Replies)
		}

		res = h.web("Schreiben Sie an Max.Muster@Example.de")
		if res.Replies[0].Content != de(i18n.EscalatedThanks) {
			t.Errorf("capture reply = %+v", res.Replies)
		}
		conv := h.conversation(res.Conversation.ID)
		if !conv.Metadata.ContactCaptured || conv.Metadata.ContactEmail != "max.muster@example.de" {
			t.Errorf("metadata = %+v", conv.Metadata)
		}

		res = h.web("Und noch was")
		if res.Replies[0].Content != de(i18n.EscalatedWaiting) {
			t.Errorf("after capture: %+v", res.Replies)
		}
		if h.assistCalls.Load() != 1 {
			t.Errorf("assistant ran in escalated state: %d calls", h.assistCalls.Load())
		}
		if h.events.Count(events.Escalated) != 2 {
			t.Errorf("escalated events = %d, want 2 (handoff + contact)", h.events.Count(events.Escalated))
		}
	})
}

func TestConcurrentFirstMessages(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{DefaultMode: store.ModeHumanFirst}))
	h.operatorOnline()

	var wg sync.WaitGroup
	results := make([]*Result, 12)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.HandleInbound(context.Background(), Inbound{
				TenantID: tenantID, Channel: store.ChannelWeb, Address: webSession, Text: "Hallo",
			})
			if err != nil {
				t.Errorf("HandleInbound: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var convID uuid.UUID
	queued := 0
	for _, r := range results {
		if r == nil {
			t.FailNow()
		}
		if convID == uuid.Nil {
			convID = r.Conversation.ID
		}
		if r.Conversation.ID != convID {
			t.Fatalf("two conversations opened: %s and %s", convID, r.Conversation.ID)
		}
		if r.Decision == routing.QueueForHuman {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("%d requests queued the conversation, want 1", queued)
	}
	if h.events.Count(events.QueuedForHuman) != 1 {
		t.Errorf("queued events = %d", h.events.Count(events.QueuedForHuman))
	}
	if h.assistCalls.Load() != 0 {
		t.Errorf("assistant calls = %d", h.assistCalls.Load())
	}
	if n := countContent(h.log(convID), store.RoleCustomer, "Hallo"); n != len(results) {
		t.Errorf("customer messages = %d, want %d", n, len(results))
	}
}

// conflictStore loses every compare-and-swap.
type conflictStore struct {
	store.ConversationStore
}

func (conflictStore) Update(context.Context, *store.Conversation, int64) error {
	return store.ErrConflict
}

func TestExhaustedRetriesDegrade(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{DefaultMode: store.ModeHumanFirst}))
	h.stores.Conversations = conflictStore{h.stores.Conversations}
	h.operatorOnline()

	res := h.web("Hallo")
	if res.Outcome != OutcomeDegraded || !errors.Is(res.Err, store.ErrConflict) {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if len(res.Replies) != 1 || res.Replies[0].Content != de(i18n.TechnicalError) {
		t.Errorf("replies = %+v", res.Replies)
	}
	if res.Conversation.Status != store.StatusAIActive {
		t.Errorf("status = %s", res.Conversation.Status)
	}
}

func TestUnknownTenantAndBadAddress(t *testing.T) {
	h := newHarness(t, acknowledged(store.Tenant{}))
	_, err := h.engine.HandleInbound(context.Background(), Inbound{TenantID: "nope", Channel: store.ChannelWeb, Address: webSession, Text: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown tenant err = %v", err)
	}
	_, err = h.engine.HandleInbound(context.Background(), Inbound{TenantID: tenantID, Channel: store.ChannelGateway, Address: "abc", Text: "x"})
	if !errors.Is(err, identity.ErrInvalidAddress) {
		t.Errorf("bad address err = %v", err)
	}
}
