package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

const (
	signatureHeader = "X-Twilio-Signature"
	emptyTwiML      = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

var errSignatureInvalid = errors.New("webhook signature invalid")

// signature computes the provider signature: base64(HMAC-SHA1(secret,
// url + each form key and value in key order)).
func signature(secret, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), form[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(secret))
	io.WriteString(mac, b.String())
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret, fullURL string, form url.Values, got string) error {
	if secret == "" || got == "" {
		return errSignatureInvalid
	}
	want := signature(secret, fullURL, form)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return errSignatureInvalid
	}
	return nil
}

// verifyWebhook accepts a signature made with the tenant's secret or, failing
// that, with the platform-wide shared secret used for sandbox traffic.
func verifyWebhook(tenantSecret, sharedSecret, fullURL string, form url.Values, got string) error {
	err := verifySignature(tenantSecret, fullURL, form, got)
	if err == nil || sharedSecret == "" {
		return err
	}
	return verifySignature(sharedSecret, fullURL, form, got)
}

// webhookURL is the URL the provider signed: the configured public base URL
// plus the request URI, or the URL as seen behind the proxy.
func (s *Server) webhookURL(r *http.Request) string {
	if base := strings.TrimRight(s.cfg.GatewaySettings().PublicURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func ackTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, emptyTwiML)
}

// handleGatewayWebhook receives one inbound gateway message. After the
// signature check the provider always gets 200: replies go out through the
// channel sender, and a non-200 would only trigger redeliveries.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenant")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form body"})
		return
	}

	tenant, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("webhook.unknown_tenant", "tenant_id", tenantID)
		}
		writeError(w, "webhook.tenant", err)
		return
	}
	if err := verifyWebhook(tenant.WebhookSecret, s.cfg.GatewayChannel().SharedSecret, s.webhookURL(r), r.PostForm, r.Header.Get(signatureHeader)); err != nil {
		slog.Warn("webhook.rejected", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	from := r.PostForm.Get("From")
	text := strings.TrimSpace(r.PostForm.Get("Body"))
	sid := r.PostForm.Get("MessageSid")
	if from == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "From is required"})
		return
	}
	if text == "" {
		// Media-only messages carry no text to route.
		slog.Debug("webhook.empty_body", "tenant_id", tenantID, "message_sid", sid)
		ackTwiML(w)
		return
	}
	if !s.limiter.Allow(tenantID + ":" + from) {
		slog.Warn("webhook.rate_limited", "tenant_id", tenantID, "message_sid", sid)
		ackTwiML(w)
		return
	}
	if limit := s.cfg.GatewaySettings().MaxMessageChars; limit > 0 && utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit])
	}

	res, err := s.engine.HandleInbound(ctx, engine.Inbound{
		TenantID:   tenantID,
		Channel:    store.ChannelGateway,
		Address:    from,
		Text:       text,
		ExternalID: sid,
	})
	if err != nil {
		slog.Error("webhook.handle", "tenant_id", tenantID, "message_sid", sid, "error", err)
	} else if res.Err != nil {
		slog.Warn("webhook.degraded", "tenant_id", tenantID, "message_sid", sid, "outcome", res.Outcome, "error", res.Err)
	}
	ackTwiML(w)
}
