package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/assistant"
	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
	"github.com/goldman123123/hebelki.de-sub005/internal/presence"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
	"github.com/goldman123123/hebelki.de-sub005/internal/store/memory"
)

const (
	testTenant    = "studio-nord"
	testSecret    = "whsec-9f31"
	testPublicURL = "https://chat.example.de"
	operatorToken = "op-token-1"
)

type outbox struct {
	mu   sync.Mutex
	sent []string
}

func (o *outbox) Send(_ context.Context, address, text, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, address+": "+text)
	return nil
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type testServer struct {
	srv    *Server
	stores *store.Stores
	cfg    *config.Config
	out    *outbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	stores, _ := memory.New()
	ack := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := stores.Tenants.(*memory.TenantStore).Put(context.Background(), &store.Tenant{
		ID:                   testTenant,
		Locale:               "de",
		AutomationAckVersion: 1,
		AutomationAckAt:      &ack,
		WebhookSecret:        testSecret,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Gateway.PublicURL = testPublicURL
	cfg.Gateway.Token = operatorToken
	cfg.Gateway.RateLimitRPM = 3

	out := &outbox{}
	eng := engine.New(engine.Deps{
		Stores: stores,
		Config: cfg,
		Assistant: assistant.Func(func(_ context.Context, _ string, _ uuid.UUID, text string) (string, error) {
			return "Echo: " + text, nil
		}),
		Sender:   out,
		Presence: presence.NewMemoryTracker(time.Minute, time.Now),
	})
	return &testServer{srv: NewServer(cfg, eng, stores.Tenants), stores: stores, cfg: cfg, out: out}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.BuildMux().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) webhook(t *testing.T, tenant string, form url.Values, sig string) *httptest.ResponseRecorder {
	t.Helper()
	path := "/v1/webhooks/" + tenant + "/gateway"
	if sig == "" {
		sig = signature(testSecret, testPublicURL+path, form)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signatureHeader, sig)
	rec := httptest.NewRecorder()
	ts.srv.BuildMux().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSignature_KnownVector(t *testing.T) {
	// Published example from the provider's request validation docs.
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := signature("12345", "https://mycompany.com/myapp.php?foo=1&bar=2", form)
	if got != "0/KCTR6DLpKmkAf8muzZqo1nDgQ=" {
		t.Errorf("signature = %s", got)
	}
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t)
	form := url.Values{"From": {"whatsapp:+4917612345678"}, "To": {"+4930123456"}, "Body": {"Hallo"}, "MessageSid": {"SM0001"}}

	t.Run("invalid signature", func(t *testing.T) {
		rec := ts.webhook(t, testTenant, form, "bm90LXZhbGlk")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
		if ts.out.len() != 0 {
			t.Error("rejected webhook had side effects")
		}
	})

	t.Run("unknown tenant", func(t *testing.T) {
		if rec := ts.webhook(t, "nope", form, ""); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("valid", func(t *testing.T) {
		rec := ts.webhook(t, testTenant, form, "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<Response></Response>") {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if ts.out.len() != 1 || ts.out.sent[0] != "+4917612345678: Echo: Hallo" {
			t.Errorf("sent = %q", ts.out.sent)
		}
	})

	t.Run("redelivery acknowledged once", func(t *testing.T) {
		rec := ts.webhook(t, testTenant, form, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if ts.out.len() != 1 {
			t.Errorf("redelivery answered again: %q", ts.out.sent)
		}
	})

	t.Run("shared secret fallback", func(t *testing.T) {
		other := &store.Tenant{ID: "ohne-secret", Locale: "de"}
		ts.stores.Tenants.(*memory.TenantStore).Put(context.Background(), other)
		ts.cfg.Channels.Gateway.SharedSecret = "shared-1"
		path := testPublicURL + "/v1/webhooks/ohne-secret/gateway"
		if rec := ts.webhook(t, "ohne-secret", form, signature("shared-1", path, form)); rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}

		// A tenant with its own secret still accepts sandbox traffic.
		sandbox := url.Values{"From": {"+4917612345679"}, "Body": {"Test"}, "MessageSid": {"SM0002"}}
		own := testPublicURL + "/v1/webhooks/" + testTenant + "/gateway"
		before := ts.out.len()
		if rec := ts.webhook(t, testTenant, sandbox, signature("shared-1", own, sandbox)); rec.Code != http.StatusOK {
			t.Errorf("shared-signed request to tenant with secret: status = %d", rec.Code)
		}
		if ts.out.len() != before+1 {
			t.Errorf("sandbox message not routed: %q", ts.out.sent)
		}
		if rec := ts.webhook(t, testTenant, sandbox, signature("other", own, sandbox)); rec.Code != http.StatusForbidden {
			t.Errorf("signature with neither secret: status = %d", rec.Code)
		}
	})
}

func TestVerifyWebhook(t *testing.T) {
	const u = "https://chat.example.de/v1/webhooks/a/gateway"
	form := url.Values{"Body": {"Hallo"}}
	tests := []struct {
		name           string
		tenant, shared string
		signedWith     string
		ok             bool
	}{
		{"tenant secret", "t-1", "", "t-1", true},
		{"tenant secret with shared set", "t-1", "s-1", "t-1", true},
		{"shared fallback with tenant secret", "t-1", "s-1", "s-1", true},
		{"shared fallback without tenant secret", "", "s-1", "s-1", true},
		{"shared not configured", "t-1", "", "s-1", false},
		{"neither", "t-1", "s-1", "x", false},
		{"no secrets", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyWebhook(tt.tenant, tt.shared, u, form, signature(tt.signedWith, u, form))
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	for i := range 5 {
		form := url.Values{"From": {"+4917600000001"}, "Body": {"Nachricht"}, "MessageSid": {uuid.NewString()}}
		if rec := ts.webhook(t, testTenant, form, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	if n := ts.out.len(); n != 3 {
		t.Errorf("processed %d messages, want 3", n)
	}
}

func TestWebChat_SendAndPoll(t *testing.T) {
	ts := newTestServer(t)
	base := "/v1/chat/" + testTenant

	rec := ts.do(t, http.MethodPost, base+"/messages", map[string]string{"session_token": "tok-123", "text": "Hallo"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body.String())
	}
	sent := decode[chatMessageResponse](t, rec)
	if sent.Status != store.StatusAIActive || len(sent.Messages) != 1 || sent.Messages[0].Content != "Echo: Hallo" {
		t.Fatalf("send = %+v", sent)
	}

	pollPath := base + "/conversations/" + sent.ConversationID.String() + "/poll"
	rec = ts.do(t, http.MethodGet, pollPath, nil, map[string]string{"X-Session-Token": "tok-123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d: %s", rec.Code, rec.Body.String())
	}
	poll := decode[engine.PollResult](t, rec)
	if len(poll.Messages) != 1 || poll.Messages[0].ID != sent.Messages[0].ID {
		t.Errorf("poll = %+v", poll)
	}

	rec = ts.do(t, http.MethodGet, pollPath+"?since="+url.QueryEscape(poll.Cursor.Format(time.RFC3339Nano)), nil, map[string]string{"X-Session-Token": "tok-123"})
	if again := decode[engine.PollResult](t, rec); len(again.Messages) != 1 {
		t.Errorf("poll at cursor returned %d messages, want 1", len(again.Messages))
	}

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"foreign session", pollPath, map[string]string{"X-Session-Token": "tok-999"}, http.StatusNotFound},
		{"missing session", pollPath, nil, http.StatusBadRequest},
		{"bad cursor", pollPath + "?since=gestern", map[string]string{"X-Session-Token": "tok-123"}, http.StatusBadRequest},
		{"bad id", base + "/conversations/xyz/poll", map[string]string{"X-Session-Token": "tok-123"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodGet, tt.path, nil, tt.header); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWebChat_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.Gateway.MaxMessageChars = 10
	base := "/v1/chat/" + testTenant + "/messages"

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"empty text", base, map[string]string{"session_token": "t", "text": "  "}, http.StatusBadRequest},
		{"too long", base, map[string]string{"session_token": "t", "text": strings.Repeat("ä", 11)}, http.StatusRequestEntityTooLarge},
		{"missing token", base, map[string]string{"text": "Hallo"}, http.StatusBadRequest},
		{"unknown tenant", "/v1/chat/nope/messages", map[string]string{"session_token": "t", "text": "Hallo"}, http.StatusNotFound},
		{"not json", base, "Hallo", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPost, tt.path, tt.body, nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.Gateway.AllowedOrigins = []string{"https://www.studio-nord.de"}

	rec := ts.do(t, http.MethodOptions, "/v1/chat/"+testTenant+"/messages", nil, map[string]string{"Origin": "https://www.studio-nord.de"})
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://www.studio-nord.de" {
		t.Errorf("preflight: status = %d, headers = %v", rec.Code, rec.Header())
	}
	rec = ts.do(t, http.MethodPost, "/v1/chat/"+testTenant+"/messages", map[string]string{"session_token": "t", "text": "Hi"}, map[string]string{"Origin": "https://evil.example"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d", rec.Code)
	}
}

func TestOperatorAPI(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + operatorToken}

	rec := ts.do(t, http.MethodPost, "/v1/chat/"+testTenant+"/messages", map[string]string{"session_token": "tok-1", "text": "Hallo"}, nil)
	convID := decode[chatMessageResponse](t, rec).ConversationID
	convPath := "/v1/conversations/" + convID.String()

	if rec := ts.do(t, http.MethodGet, "/v1/tenants/"+testTenant+"/conversations", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/tenants/"+testTenant+"/conversations", nil, map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/tenants/"+testTenant+"/conversations", nil, auth)
	list := decode[struct {
		Conversations []store.ConversationSummary `json:"conversations"`
	}](t, rec)
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = ts.do(t, http.MethodGet, convPath+"/messages", nil, auth)
	msgs := decode[struct {
		Messages []store.Message `json:"messages"`
	}](t, rec)
	if len(msgs.Messages) != 2 {
		t.Errorf("messages = %d", len(msgs.Messages))
	}

	rec = ts.do(t, http.MethodPost, convPath+"/reply", map[string]string{"text": "Hallo, hier ist Jonas", "operator": "Jonas"}, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reply status = %d: %s", rec.Code, rec.Body.String())
	}
	if m := decode[store.Message](t, rec); m.Role != store.RoleOperator || m.Metadata["operator"] != "Jonas" {
		t.Errorf("reply = %+v", m)
	}

	// Scoped to another tenant the conversation does not exist.
	scoped := map[string]string{"Authorization": "Bearer " + operatorToken, "X-Tenant-ID": "andere"}
	if rec := ts.do(t, http.MethodPost, convPath+"/close", nil, scoped); rec.Code != http.StatusNotFound {
		t.Errorf("foreign tenant close: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, convPath+"/close", nil, auth)
	if conv := decode[store.Conversation](t, rec); conv.Status != store.StatusClosed {
		t.Errorf("close = %+v", conv)
	}
	if rec := ts.do(t, http.MethodPost, convPath+"/reply", map[string]string{"text": "Noch da?"}, auth); rec.Code != http.StatusConflict {
		t.Errorf("reply after close: status = %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/operators/jonas/heartbeat", nil, auth); rec.Code != http.StatusOK {
		t.Errorf("heartbeat status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/tenants/nope/operators/jonas/heartbeat", nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("heartbeat unknown tenant: status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/conversations/"+uuid.NewString()+"/messages", nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("unknown conversation: status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
