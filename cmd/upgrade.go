package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/upgrade"
)

func upgradeCmd() *cobra.Command {
	var dryRun bool
	var status bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade database schema and run data migrations",
		Long:  "Applies pending SQL migrations and Go-based data hooks. Safe to run multiple times.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status {
				return runUpgradeStatus(cmd.Context())
			}
			return runUpgrade(cmd.Context(), dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show current upgrade status")

	return cmd
}

// loadManagedConfig returns the config, or nil when running standalone.
func loadManagedConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.IsManagedMode() {
		return nil, nil
	}
	return cfg, nil
}

func runUpgradeStatus(ctx context.Context) error {
	fmt.Printf("  App version:     %s\n", Version)

	cfg, err := loadManagedConfig()
	if err != nil {
		return err
	}
	if cfg == nil {
		fmt.Println("  Mode:            standalone (no database)")
		fmt.Println("  Status:          N/A (no schema migrations needed)")
		return nil
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)

	if s.Dirty {
		fmt.Println("  Status:          DIRTY (failed migration)")
		fmt.Println()
		fmt.Print(upgrade.FormatError(s))
		return nil
	}

	if s.Compatible {
		fmt.Println("  Status:          UP TO DATE")
	} else if s.CurrentVersion > s.RequiredVersion {
		fmt.Println("  Status:          BINARY TOO OLD")
	} else {
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}

	pending, err := upgrade.PendingHooks(ctx, db)
	if err != nil {
		slog.Debug("could not check pending data hooks", "error", err)
	} else if len(pending) > 0 {
		fmt.Printf("\n  Pending data hooks: %d\n", len(pending))
		for _, name := range pending {
			fmt.Printf("    - %s\n", name)
		}
	}

	if s.NeedsMigration {
		fmt.Println()
		fmt.Println("  Run 'hebelki-chat upgrade' to apply all pending changes.")
	}
	return nil
}

func runUpgrade(ctx context.Context, dryRun bool) error {
	cfg, err := loadManagedConfig()
	if err != nil {
		return err
	}
	if cfg == nil {
		fmt.Println("Standalone mode: no database migrations needed.")
		return nil
	}
	dsn := cfg.Database.PostgresDSN

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  App version:     %s\n", Version)
	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)
	fmt.Println()

	if s.Dirty || s.CurrentVersion > s.RequiredVersion {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Printf("  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		} else {
			fmt.Println("  SQL schema is up to date.")
		}

		pending, err := upgrade.PendingHooks(ctx, db)
		if err != nil {
			slog.Debug("could not check pending data hooks", "error", err)
		} else if len(pending) > 0 {
			fmt.Printf("  Would run %d data hook(s):\n", len(pending))
			for _, name := range pending {
				fmt.Printf("    - %s\n", name)
			}
		} else {
			fmt.Println("  No pending data hooks.")
		}
		return nil
	}

	version := s.CurrentVersion
	if s.NeedsMigration {
		fmt.Print("  Applying SQL migrations... ")
		v, err := migrateUp(dsn)
		if err != nil {
			fmt.Println("FAILED")
			return err
		}
		fmt.Printf("OK (v%d -> v%d)\n", s.CurrentVersion, v)
		version = v
	} else {
		fmt.Println("  SQL schema is up to date.")
	}

	fmt.Print("  Running data hooks... ")
	count, err := upgrade.RunPendingHooks(ctx, db, version, hookEnv(cfg))
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("data hooks: %w", err)
	}
	if count > 0 {
		fmt.Printf("%d applied\n", count)
	} else {
		fmt.Println("none pending")
	}

	fmt.Println()
	fmt.Println("  Upgrade complete.")
	return nil
}

// migrateUp applies every pending SQL migration and returns the new version.
func migrateUp(dsn string) (uint, error) {
	m, err := newMigrator(dsn)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	v, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

// checkSchemaOrAutoUpgrade gates serve startup on schema compatibility.
// With HEBELKI_AUTO_UPGRADE=true an outdated schema is upgraded inline.
func checkSchemaOrAutoUpgrade(ctx context.Context, dsn string, env upgrade.HookEnv) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("schema check: connect: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("schema check: ping: %w", err)
	}

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}

	if s.Compatible {
		slog.Info("schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion)
		// Hooks left over from a plain "migrate up" that failed them.
		if n, err := upgrade.RunPendingHooks(ctx, db, s.CurrentVersion, env); err != nil {
			return fmt.Errorf("data hooks: %w", err)
		} else if n > 0 {
			slog.Info("data hooks applied", "count", n)
		}
		return nil
	}
	if !errors.Is(s.Err(), upgrade.ErrSchemaOutdated) || os.Getenv("HEBELKI_AUTO_UPGRADE") != "true" {
		return errors.New(upgrade.FormatError(s))
	}

	slog.Info("auto-upgrade: applying migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)
	v, err := migrateUp(dsn)
	if err != nil {
		return fmt.Errorf("auto-upgrade: %w", err)
	}
	slog.Info("auto-upgrade: SQL migrations applied", "version", v)

	count, err := upgrade.RunPendingHooks(ctx, db, v, env)
	if err != nil {
		return fmt.Errorf("auto-upgrade: data hooks: %w", err)
	}
	if count > 0 {
		slog.Info("auto-upgrade: data hooks applied", "count", count)
	}
	slog.Info("auto-upgrade complete")
	return nil
}
