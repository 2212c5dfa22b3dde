package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/goldman123123/hebelki.de-sub005/internal/identity"
)

func init() {
	RegisterDataHook(2, "002_normalize_customer_addresses", normalizeCustomerAddresses)
}

type addressRow struct {
	ID       string
	TenantID string
	Address  string
}

// planAddressFixes returns the rows whose address changes under
// normalization. Rows that do not parse are left alone, and a rewrite that
// would collide with another row of the same tenant is skipped.
func planAddressFixes(rows []addressRow, countryCode string) []addressRow {
	taken := make(map[string]bool, len(rows))
	for _, r := range rows {
		taken[r.TenantID+"|"+r.Address] = true
	}
	var fixes []addressRow
	for _, r := range rows {
		n, err := identity.NormalizePhone(r.Address, countryCode)
		if err != nil || n == r.Address {
			continue
		}
		key := r.TenantID + "|" + n
		if taken[key] {
			slog.Warn("normalize address: duplicate customer, skipped", "customer_id", r.ID, "tenant_id", r.TenantID)
			continue
		}
		taken[key] = true
		fixes = append(fixes, addressRow{ID: r.ID, TenantID: r.TenantID, Address: n})
	}
	return fixes
}

// normalizeCustomerAddresses rewrites gateway addresses stored before
// inbound numbers were normalized to E.164.
func normalizeCustomerAddresses(ctx context.Context, db *sql.DB, env HookEnv) error {
	if env.CountryCode == "" {
		return fmt.Errorf("normalize addresses: default country code not set")
	}
	rows, err := db.QueryContext(ctx, `SELECT id::text, tenant_id, address FROM customers WHERE channel = 'gateway'`)
	if err != nil {
		return fmt.Errorf("select customers: %w", err)
	}
	var all []addressRow
	for rows.Next() {
		var r addressRow
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Address); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	fixes := planAddressFixes(all, env.CountryCode)
	if len(fixes) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, f := range fixes {
		if _, err := tx.ExecContext(ctx, `UPDATE customers SET address = $1 WHERE id = $2::uuid`, f.Address, f.ID); err != nil {
			return fmt.Errorf("update customer %s: %w", f.ID, err)
		}
	}
	slog.Info("normalized customer addresses", "updated", len(fixes))
	return tx.Commit()
}
