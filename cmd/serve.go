package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
	"github.com/goldman123123/hebelki.de-sub005/internal/httpapi"
	"github.com/goldman123123/hebelki.de-sub005/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gateway channel and timeout sweeper",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfgPath, cfg); err != nil {
		slog.Error("hebelki-chat stopped", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgPath string, cfg *config.Config) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	stores, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	queue, closeEvents, err := buildEvents(cfg, rdb)
	if err != nil {
		return err
	}
	defer closeEvents()

	// The engine is created after the channel manager, but inbound channel
	// messages only start flowing once Start runs below.
	var eng *engine.Engine
	gw, err := buildChannels(cfg, func(ctx context.Context, from, text, messageID string) {
		dispatchBridgeInbound(ctx, eng, cfg, from, text, messageID)
	})
	if err != nil {
		return err
	}
	defer gw.manager.Close()

	eng = engine.New(engine.Deps{
		Stores:           stores,
		Config:           cfg,
		Assistant:        buildAssistant(cfg, stores),
		Sender:           gw.manager,
		Presence:         buildPresence(cfg, rdb),
		Events:           queue,
		AssistantTimeout: assistantBudget(cfg.AssistantSettings()),
	})

	g, gctx := errgroup.WithContext(ctx)

	server := httpapi.NewServer(cfg, eng, stores.Tenants)
	g.Go(func() error { return server.Start(gctx) })

	sweeper := engine.NewSweeper(eng, func() string { return cfg.RoutingDefaults().SweepSchedule })
	g.Go(func() error { return sweeper.Run(gctx) })

	for _, start := range gw.starters {
		g.Go(func() error { return start(gctx) })
	}

	if err := config.Watch(gctx, cfgPath, cfg, func(c *config.Config) {
		gw.manager.UpdateConfig(managerConfig(c.GatewayChannel()))
	}); err != nil {
		slog.Warn("config watcher disabled", "path", cfgPath, "error", err)
	}

	slog.Info("hebelki-chat started",
		"version", Version,
		"mode", cfg.Database.Mode,
		"gateway_provider", gw.provider,
		"events", cfg.Events.Backend,
	)

	err = g.Wait()
	slog.Info("graceful shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
