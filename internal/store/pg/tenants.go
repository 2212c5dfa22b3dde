package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// PGTenantStore implements store.TenantStore backed by Postgres.
type PGTenantStore struct {
	db *sql.DB
}

func NewPGTenantStore(db *sql.DB) *PGTenantStore {
	return &PGTenantStore{db: db}
}

func (s *PGTenantStore) Get(ctx context.Context, id string) (*store.Tenant, error) {
	var t store.Tenant
	var ackAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, locale, default_mode, routing_mode, chat_queue_timeout_sec,
		 owner_handoff_timeout_sec, automation_ack_version, automation_ack_at, owner_address, webhook_secret
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Locale, &t.DefaultMode, &t.RoutingMode, &t.ChatQueueTimeoutSec,
		&t.OwnerHandoffTimeoutSec, &t.AutomationAckVersion, &ackAt, &t.OwnerAddress, &t.WebhookSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ackAt.Valid {
		at := ackAt.Time
		t.AutomationAckAt = &at
	}
	return &t, nil
}

// Put inserts or replaces a tenant row. Used by seeding and tests against a real database.
func (s *PGTenantStore) Put(ctx context.Context, t *store.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, locale, default_mode, routing_mode, chat_queue_timeout_sec,
		 owner_handoff_timeout_sec, automation_ack_version, automation_ack_at, owner_address, webhook_secret, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, locale = EXCLUDED.locale, default_mode = EXCLUDED.default_mode,
		   routing_mode = EXCLUDED.routing_mode, chat_queue_timeout_sec = EXCLUDED.chat_queue_timeout_sec,
		   owner_handoff_timeout_sec = EXCLUDED.owner_handoff_timeout_sec,
		   automation_ack_version = EXCLUDED.automation_ack_version, automation_ack_at = EXCLUDED.automation_ack_at,
		   owner_address = EXCLUDED.owner_address, webhook_secret = EXCLUDED.webhook_secret,
		   updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Locale, t.DefaultMode, t.RoutingMode, t.ChatQueueTimeoutSec,
		t.OwnerHandoffTimeoutSec, t.AutomationAckVersion, nilTime(t.AutomationAckAt), t.OwnerAddress,
		t.WebhookSecret, nowUTC(),
	)
	return err
}
