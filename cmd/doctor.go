package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and downstream health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("hebelki-chat doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkDatabase(ctx, cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone (%d tenant(s) from config)\n", "Mode:", len(cfg.Tenants))
	}

	fmt.Println()
	fmt.Println("  Redis:")
	if cfg.Redis.URL == "" {
		fmt.Printf("    %-12s not configured (presence in memory)\n", "Status:")
	} else if rdb, err := openRedis(ctx, cfg); err != nil {
		fmt.Printf("    %-12s INVALID URL (%s)\n", "Status:", err)
	} else {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
		}
		cancel()
		rdb.Close()
	}

	fmt.Println()
	fmt.Println("  Assistant:")
	ac := cfg.Assistant
	fmt.Printf("    %-12s %s (%s)\n", "Model:", ac.Model, ac.APIBase)
	checkSecret("API key:", ac.APIKey)

	fmt.Println()
	fmt.Println("  Gateway channel:")
	gc := cfg.Channels.Gateway
	fmt.Printf("    %-12s %s\n", "Provider:", gc.Provider)
	switch gc.Provider {
	case "whatsapp":
		fmt.Printf("    %-12s %s\n", "Bridge:", gc.BridgeURL)
	case "telegram":
		checkSecret("Token:", gc.TelegramToken)
	}
	if gc.BridgeTenant != "" {
		fmt.Printf("    %-12s %s\n", "Tenant:", gc.BridgeTenant)
	}
	checkSecret("Secret:", gc.SharedSecret)

	fmt.Println()
	fmt.Println("  Routing:")
	rc := cfg.Routing
	fmt.Printf("    %-12s %ds queue, %ds owner handoff\n", "Timeouts:", rc.ChatQueueTimeoutSec, rc.OwnerHandoffTimeoutSec)
	switch {
	case rc.SweepSchedule == "":
		fmt.Printf("    %-12s disabled\n", "Sweeper:")
	case gronx.New().IsValid(rc.SweepSchedule):
		fmt.Printf("    %-12s %q\n", "Sweeper:", rc.SweepSchedule)
	default:
		fmt.Printf("    %-12s %q (INVALID)\n", "Sweeper:", rc.SweepSchedule)
	}
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s operator API is unauthenticated (set HEBELKI_OPERATOR_TOKEN)\n", "Warning:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(ctx context.Context, dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: hebelki-chat migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: hebelki-chat upgrade)\n", "Schema:", s.CurrentVersion)
	}

	pending, err := upgrade.PendingHooks(ctx, db)
	if err == nil && len(pending) > 0 {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	} else if err == nil {
		fmt.Printf("    %-12s all applied\n", "Data hooks:")
	}
}

func checkSecret(label, v string) {
	if v == "" {
		fmt.Printf("    %-12s not set\n", label)
		return
	}
	fmt.Printf("    %-12s %s\n", label, maskSecret(v))
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}
