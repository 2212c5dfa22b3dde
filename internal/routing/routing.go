// Package routing decides who handles an inbound message. Route is a pure
// function of the conversation, the tenant's resolved routing config and the
// message; it performs no I/O.
package routing

import (
	"strings"
	"time"

	"github.com/goldman123123/hebelki.de-sub005/internal/compliance"
	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// Decision is the next handler for an inbound message.
type Decision int

const (
	AssistantProcess Decision = iota
	QueueForHuman
	ForwardToOwner
	AppendOnly
)

func (d Decision) String() string {
	switch d {
	case AssistantProcess:
		return "assistant_process"
	case QueueForHuman:
		return "queue_for_human"
	case ForwardToOwner:
		return "forward_to_owner"
	case AppendOnly:
		return "append_only"
	}
	return "unknown"
}

// Config is the tenant's routing settings resolved once per request.
type Config struct {
	TenantID               string
	Locale                 string
	DefaultMode            store.DefaultMode
	RoutingMode            store.RoutingMode
	ChatQueueTimeout       time.Duration
	OwnerHandoffTimeout    time.Duration
	AutomationAcknowledged bool
	OwnerAddress           string
	TakeoverToken          string
}

// Resolve merges tenant settings with engine defaults. Unknown or empty modes
// fall back to automation_first / standard.
func Resolve(t *store.Tenant, d config.RoutingConfig) Config {
	c := Config{
		TenantID:               t.ID,
		Locale:                 t.Locale,
		DefaultMode:            t.DefaultMode,
		RoutingMode:            t.RoutingMode,
		ChatQueueTimeout:       d.ChatQueueTimeout(),
		OwnerHandoffTimeout:    d.OwnerHandoffTimeout(),
		AutomationAcknowledged: compliance.AutomationAcknowledged(t, d.AutomationTermsVersion),
		OwnerAddress:           t.OwnerAddress,
		TakeoverToken:          d.TakeoverToken,
	}
	if c.DefaultMode != store.ModeHumanFirst {
		c.DefaultMode = store.ModeAutomationFirst
	}
	// Owner forwarding needs somewhere to forward to.
	if c.RoutingMode != store.RoutingOwnerForward || c.OwnerAddress == "" {
		c.RoutingMode = store.RoutingStandard
	}
	if t.ChatQueueTimeoutSec > 0 {
		c.ChatQueueTimeout = time.Duration(t.ChatQueueTimeoutSec) * time.Second
	}
	if t.OwnerHandoffTimeoutSec > 0 {
		c.OwnerHandoffTimeout = time.Duration(t.OwnerHandoffTimeoutSec) * time.Second
	}
	if c.TakeoverToken == "" {
		c.TakeoverToken = "AI"
	}
	return c
}

// Inbound describes the message being routed.
type Inbound struct {
	Text                string
	FromOwner           bool // sender is the tenant owner's address in owner_forward mode
	EscalationRequested bool // customer asked for a human
	OperatorOnline      bool
}

// Result is a routing decision plus the role to record the message under.
type Result struct {
	Decision Decision
	Role     store.Role
	Takeover bool // owner handed the pending handoff back to the assistant
}

// Route applies the routing rules in priority order. conv may be nil when no
// open conversation exists yet.
func Route(conv *store.Conversation, cfg Config, in Inbound) Result {
	// Owner replies address the pending handoff; the takeover token wins over
	// the plain operator reply.
	if in.FromOwner {
		if IsTakeover(in.Text, cfg.TakeoverToken) {
			return Result{Decision: AssistantProcess, Role: store.RoleOperator, Takeover: true}
		}
		return Result{Decision: AppendOnly, Role: store.RoleOperator}
	}

	customer := func(d Decision) Result { return Result{Decision: d, Role: store.RoleCustomer} }

	if conv != nil {
		switch {
		case conv.Status.IsLive():
			// An in-flight owner handoff keeps forwarding under its own
			// sub-status even if the tenant switched modes since.
			if conv.Metadata.SubStatus().Active() {
				return customer(ForwardToOwner)
			}
			return customer(AppendOnly)
		case conv.Status == store.StatusEscalated:
			return customer(AppendOnly)
		case conv.Metadata.SubStatus() == store.HandoffAITakeover && !in.EscalationRequested:
			return customer(AssistantProcess)
		}
	}

	if cfg.RoutingMode == store.RoutingOwnerForward {
		return customer(ForwardToOwner)
	}
	if in.OperatorOnline && (cfg.DefaultMode == store.ModeHumanFirst || in.EscalationRequested) {
		return customer(QueueForHuman)
	}
	return customer(AssistantProcess)
}

// IsTakeover reports whether text is exactly the takeover token, ignoring
// case, whitespace and trailing punctuation.
func IsTakeover(text, token string) bool {
	t := strings.TrimRight(strings.TrimSpace(text), ".!")
	return token != "" && strings.EqualFold(t, token)
}

var escalationPhrases = []string{
	"human", "agent", "operator", "real person", "talk to someone",
	"mitarbeiter", "mensch", "echte person", "persönlich",
}

// IsEscalationRequest reports whether the customer explicitly asks for a human.
func IsEscalationRequest(text string) bool {
	t := strings.ToLower(text)
	for _, p := range escalationPhrases {
		if containsWord(t, p) {
			return true
		}
	}
	return false
}

func containsWord(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(phrase)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || b >= 0x80
}
