package pg

import (
	"database/sql"
	"fmt"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// NewPGStores creates all stores backed by Postgres. The returned *sql.DB is
// owned by the caller.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Conversations: NewPGConversationStore(db),
		Messages:      NewPGMessageStore(db),
		Customers:     NewPGCustomerStore(db),
		Tenants:       NewPGTenantStore(db),
	}, db, nil
}
