package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// PGCustomerStore implements store.CustomerStore backed by Postgres.
type PGCustomerStore struct {
	db *sql.DB
}

func NewPGCustomerStore(db *sql.DB) *PGCustomerStore {
	return &PGCustomerStore{db: db}
}

const customerCols = `id, tenant_id, channel, address, display_name, opt_in_status, opt_in_source, opted_in_at, opted_out_at, created_at`

func (s *PGCustomerStore) Upsert(ctx context.Context, c *store.Customer) (*store.Customer, error) {
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	if c.OptInStatus == "" {
		c.OptInStatus = store.OptInUnknown
	}
	// DO UPDATE with a no-op assignment so RETURNING yields the existing row.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO customers (id, tenant_id, channel, address, display_name, opt_in_status, opt_in_source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, channel, address) DO UPDATE SET address = EXCLUDED.address
		 RETURNING `+customerCols,
		c.ID, c.TenantID, c.Channel, c.Address, c.DisplayName, c.OptInStatus, string(c.OptInSource), nowUTC(),
	)
	out, err := scanCustomer(row)
	if err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}
	return out, nil
}

func (s *PGCustomerStore) Get(ctx context.Context, id uuid.UUID) (*store.Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerCols+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (s *PGCustomerStore) SetCompliance(ctx context.Context, id uuid.UUID, status store.OptInStatus, source store.OptInSource, at time.Time) error {
	var q string
	switch status {
	case store.OptInOptedIn:
		q = `UPDATE customers SET opt_in_status = $1, opt_in_source = $2, opted_in_at = $3 WHERE id = $4`
	case store.OptInOptedOut:
		q = `UPDATE customers SET opt_in_status = $1, opt_in_source = $2, opted_out_at = $3 WHERE id = $4`
	default:
		return fmt.Errorf("cannot set opt-in status %q", status)
	}
	res, err := s.db.ExecContext(ctx, q, status, string(source), at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanCustomer(row rowScanner) (*store.Customer, error) {
	var c store.Customer
	var source string
	var inAt, outAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Channel, &c.Address, &c.DisplayName,
		&c.OptInStatus, &source, &inAt, &outAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.OptInSource = store.OptInSource(source)
	if inAt.Valid {
		t := inAt.Time
		c.OptedInAt = &t
	}
	if outAt.Valid {
		t := outAt.Time
		c.OptedOutAt = &t
	}
	return &c, nil
}
