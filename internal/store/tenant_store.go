package store

import (
	"context"
	"time"
)

// DefaultMode is a tenant's preferred first responder.
type DefaultMode string

const (
	ModeAutomationFirst DefaultMode = "automation_first"
	ModeHumanFirst      DefaultMode = "human_first"
)

// RoutingMode selects between the general human queue and direct owner forwarding.
type RoutingMode string

const (
	RoutingStandard     RoutingMode = "standard"
	RoutingOwnerForward RoutingMode = "owner_forward"
)

// Tenant carries the settings the engine needs from a business record.
// Zero timeouts mean "use the configured default".
type Tenant struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	Locale                 string      `json:"locale"`
	DefaultMode            DefaultMode `json:"defaultMode"`
	RoutingMode            RoutingMode `json:"routingMode"`
	ChatQueueTimeoutSec    int         `json:"chatQueueTimeoutSec,omitempty"`
	OwnerHandoffTimeoutSec int         `json:"ownerHandoffTimeoutSec,omitempty"`
	AutomationAckVersion   int         `json:"automationAckVersion"`
	AutomationAckAt        *time.Time  `json:"automationAckAt,omitempty"`
	OwnerAddress           string      `json:"ownerAddress,omitempty"` // normalized gateway address of the owner
	WebhookSecret          string      `json:"-"`
}

// TenantStore is a read-only view of tenant settings.
type TenantStore interface {
	Get(ctx context.Context, id string) (*Tenant, error)
}

// StoreConfig configures the storage backend.
type StoreConfig struct {
	PostgresDSN string
}
