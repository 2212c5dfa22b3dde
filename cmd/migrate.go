package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/upgrade"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("HEBELKI_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// hookEnv derives the data hook settings from config.
func hookEnv(cfg *config.Config) upgrade.HookEnv {
	return upgrade.HookEnv{CountryCode: cfg.RoutingDefaults().DefaultCountryCode}
}

// migrateTarget is the conversation database a migrate subcommand works on.
type migrateTarget struct {
	dsn   string
	hooks upgrade.HookEnv
	m     *migrate.Migrate
}

// openMigrateTarget loads config and opens a migrator. The DSN is a secret and
// comes from HEBELKI_POSTGRES_DSN only.
func openMigrateTarget() (*migrateTarget, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("HEBELKI_POSTGRES_DSN is not set; standalone mode keeps conversations in memory and has no schema")
	}
	m, err := newMigrator(cfg.Database.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &migrateTarget{dsn: cfg.Database.PostgresDSN, hooks: hookEnv(cfg), m: m}, nil
}

func (t *migrateTarget) Close() { t.m.Close() }

// runHooks applies data hooks up to version. SQL changes already committed
// stay in place when a hook fails; upgrade or serve retries it.
func (t *migrateTarget) runHooks(ctx context.Context, version uint) {
	db, err := sql.Open("pgx", t.dsn)
	if err != nil {
		slog.Warn("could not connect for data hooks", "error", err)
		return
	}
	defer db.Close()

	count, err := upgrade.RunPendingHooks(ctx, db, version, t.hooks)
	if err != nil {
		slog.Warn("data hooks failed; run 'hebelki-chat upgrade' to retry", "error", err)
		return
	}
	if count > 0 {
		slog.Info("data hooks applied", "count", count)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the conversation database schema",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	cmd.AddCommand(migrateGotoCmd())
	cmd.AddCommand(migrateDropCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations, then pending data hooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openMigrateTarget()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate up: %w", err)
			}
			v, dirty, _ := t.m.Version()
			slog.Info("migration complete", "version", v, "dirty", dirty)
			t.runHooks(cmd.Context(), v)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openMigrateTarget()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.m.Steps(-max(steps, 1)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate down: %w", err)
			}
			v, dirty, _ := t.m.Version()
			slog.Info("rollback complete", "version", v, "dirty", dirty)
			if v < upgrade.RequiredSchemaVersion {
				slog.Warn("schema is now older than this binary; serve refuses to start until upgraded", "required", upgrade.RequiredSchemaVersion)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the schema version and whether this binary can serve it",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openMigrateTarget()
			if err != nil {
				return err
			}
			defer t.Close()

			v, dirty, err := t.m.Version()
			if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Println(describeSchema(v, dirty, upgrade.RequiredSchemaVersion))
			return nil
		},
	}
}

// describeSchema renders one status line for migrate version.
func describeSchema(current uint, dirty bool, required uint) string {
	line := fmt.Sprintf("schema v%d, binary requires v%d", current, required)
	switch {
	case dirty:
		return line + ": DIRTY, fix the failed migration then run 'migrate force " + strconv.Itoa(int(current)-1) + "'"
	case current == 0:
		return line + ": empty database, run 'migrate up'"
	case current < required:
		return line + ": outdated, run 'hebelki-chat upgrade'"
	case current > required:
		return line + ": newer than this binary, upgrade hebelki-chat"
	}
	return line + ": ok"
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (no migration applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			t, err := openMigrateTarget()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.m.Force(version); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			slog.Info("forced version", "version", version)
			return nil
		},
	}
}

func migrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			t, err := openMigrateTarget()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate goto: %w", err)
			}
			slog.Info("migrated to version", "version", version)
			t.runHooks(cmd.Context(), uint(version))
			return nil
		},
	}
}

func migrateDropCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table, including conversations and message logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("drop deletes all tenants, conversations and messages; pass --yes to confirm")
			}
			t, err := openMigrateTarget()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.m.Drop(); err != nil {
				return fmt.Errorf("drop: %w", err)
			}
			slog.Info("all tables dropped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm dropping all data")
	return cmd
}
