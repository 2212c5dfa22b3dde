package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/i18n"
	"github.com/goldman123123/hebelki.de-sub005/internal/identity"
	"github.com/goldman123123/hebelki.de-sub005/internal/routing"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?[0-9][0-9 ()/.\-]{5,}[0-9]`)
)

// extractContact finds an e-mail address and a phone number in free text.
func extractContact(text, defaultCountryCode string) (email, phone string) {
	email = strings.ToLower(emailRe.FindString(text))
	for _, cand := range phoneRe.FindAllString(text, -1) {
		if p, err := identity.NormalizePhone(cand, defaultCountryCode); err == nil {
			phone = p
			break
		}
	}
	return email, phone
}

// collectContact handles customer messages in the escalated state: the first
// message carrying an e-mail address or phone number is recorded and the
// escalation event is emitted once with the contact details.
func (e *Engine) collectContact(ctx context.Context, conv *store.Conversation, cfg routing.Config, customer *store.Customer, text string) (*Result, error) {
	res := &Result{Outcome: OutcomeRouted, Decision: routing.AppendOnly, Conversation: conv}
	if conv.Metadata.ContactCaptured {
		res.Replies = e.respond(ctx, conv, customer, e.systemMessage(conv, cfg, i18n.EscalatedWaiting))
		return res, nil
	}

	email, phone := extractContact(text, e.cfg.RoutingDefaults().DefaultCountryCode)
	if email == "" && phone == "" {
		res.Replies = e.respond(ctx, conv, customer, e.systemMessage(conv, cfg, i18n.EscalatedAskInfo))
		return res, nil
	}

	next, ok, err := e.transition(ctx, conv.ID, func(c *store.Conversation) bool {
		if c.Status != store.StatusEscalated || c.Metadata.ContactCaptured {
			return false
		}
		c.Metadata.ContactEmail = email
		c.Metadata.ContactPhone = phone
		c.Metadata.ContactCaptured = true
		return true
	})
	if err != nil {
		return nil, err
	}
	res.Conversation = next
	if !ok {
		res.Replies = e.respond(ctx, next, customer, e.systemMessage(next, cfg, i18n.EscalatedWaiting))
		return res, nil
	}

	detail := map[string]string{"reason": "contact_captured"}
	if email != "" {
		detail["contact_email"] = email
	}
	if phone != "" {
		detail["contact_phone"] = phone
	}
	e.emit(events.Escalated, cfg.TenantID, next, customer, detail)
	res.Replies = e.respond(ctx, next, customer, e.systemMessage(next, cfg, i18n.EscalatedThanks))
	return res, nil
}
