package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OptInStatus is the regulatory consent state on a messaging channel.
type OptInStatus string

const (
	OptInUnknown  OptInStatus = "unknown"
	OptInOptedIn  OptInStatus = "opted_in"
	OptInOptedOut OptInStatus = "opted_out"
)

// OptInSource records how an opt-in was obtained.
type OptInSource string

const (
	OptInSourceExplicit OptInSource = "explicit" // customer sent an opt-in keyword
	OptInSourceImplicit OptInSource = "implicit" // first ordinary message with no recorded status
)

// Customer is the engine's view of a customer record owned by the customer registry.
type Customer struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    string      `json:"tenantId"`
	Channel     Channel     `json:"channel"`
	Address     string      `json:"address"` // normalized phone number or web session token
	DisplayName string      `json:"displayName"`
	OptInStatus OptInStatus `json:"optInStatus"`
	OptInSource OptInSource `json:"optInSource,omitempty"`
	OptedInAt   *time.Time  `json:"optedInAt,omitempty"`
	OptedOutAt  *time.Time  `json:"optedOutAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// CustomerStore reads and updates customer identity and compliance flags.
type CustomerStore interface {
	// Upsert creates the customer unless one already exists for
	// (TenantID, Channel, Address) and returns the stored row. Safe under
	// concurrent calls for the same address.
	Upsert(ctx context.Context, c *Customer) (*Customer, error)

	Get(ctx context.Context, id uuid.UUID) (*Customer, error)

	// SetCompliance overwrites the opt-in flags (last writer wins).
	SetCompliance(ctx context.Context, id uuid.UUID, status OptInStatus, source OptInSource, at time.Time) error
}
