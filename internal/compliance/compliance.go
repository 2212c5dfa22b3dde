// Package compliance implements the two gates that must pass before automated
// processing: channel opt-in/opt-out and the tenant's automation acknowledgement.
package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// Keyword is the result of matching an inbound text against the consent keywords.
type Keyword int

const (
	KeywordNone Keyword = iota
	KeywordOptOut
	KeywordOptIn
)

func (k Keyword) String() string {
	switch k {
	case KeywordOptOut:
		return "opt_out"
	case KeywordOptIn:
		return "opt_in"
	}
	return "none"
}

var optOutKeywords = map[string]bool{
	"stop": true, "stopp": true, "cancel": true, "unsubscribe": true, "end": true, "quit": true,
	"abmelden": true, "austragen": true, "beenden": true, "stopall": true,
}

var optInKeywords = map[string]bool{
	"start": true, "subscribe": true, "unstop": true, "anmelden": true,
}

// MatchKeyword matches the whole message, case-insensitively, ignoring
// surrounding whitespace and trailing punctuation. "Stop calling me" is not a match.
func MatchKeyword(text string) Keyword {
	w := strings.ToLower(strings.TrimSpace(text))
	w = strings.TrimRight(w, ".!? ")
	switch {
	case optOutKeywords[w]:
		return KeywordOptOut
	case optInKeywords[w]:
		return KeywordOptIn
	}
	return KeywordNone
}

// Consent is the outcome of the opt-in check for a non-keyword message.
type Consent int

const (
	ConsentAllowed Consent = iota
	ConsentBlocked         // customer opted out: process nothing, reply nothing
)

// Gate applies consent changes to customer records.
type Gate struct {
	customers store.CustomerStore
	now       func() time.Time
}

func NewGate(customers store.CustomerStore, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{customers: customers, now: now}
}

// ApplyKeyword records an explicit opt-in or opt-out.
func (g *Gate) ApplyKeyword(ctx context.Context, c *store.Customer, k Keyword) error {
	var status store.OptInStatus
	switch k {
	case KeywordOptOut:
		status = store.OptInOptedOut
	case KeywordOptIn:
		status = store.OptInOptedIn
	default:
		return nil
	}
	at := g.now().UTC()
	if err := g.customers.SetCompliance(ctx, c.ID, status, store.OptInSourceExplicit, at); err != nil {
		return fmt.Errorf("set compliance: %w", err)
	}
	c.OptInStatus = status
	c.OptInSource = store.OptInSourceExplicit
	if status == store.OptInOptedIn {
		c.OptedInAt = &at
	} else {
		c.OptedOutAt = &at
	}
	return nil
}

// CheckConsent evaluates an ordinary gateway message. A customer with no
// recorded status is granted an implicit opt-in.
func (g *Gate) CheckConsent(ctx context.Context, c *store.Customer) (Consent, error) {
	switch c.OptInStatus {
	case store.OptInOptedOut:
		return ConsentBlocked, nil
	case store.OptInOptedIn:
		return ConsentAllowed, nil
	}
	at := g.now().UTC()
	if err := g.customers.SetCompliance(ctx, c.ID, store.OptInOptedIn, store.OptInSourceImplicit, at); err != nil {
		return ConsentAllowed, fmt.Errorf("implicit opt-in: %w", err)
	}
	c.OptInStatus = store.OptInOptedIn
	c.OptInSource = store.OptInSourceImplicit
	c.OptedInAt = &at
	return ConsentAllowed, nil
}

// AutomationAcknowledged reports whether the tenant has accepted the current
// automation terms. Stale versions disable automation.
func AutomationAcknowledged(t *store.Tenant, termsVersion int) bool {
	return t.AutomationAckAt != nil && t.AutomationAckVersion >= termsVersion
}
