package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
)

// reconcileCmd runs one timeout sweep and exits. Meant for an external
// scheduler when the in-process sweeper is disabled.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Apply due queue and owner-handoff timeouts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx := cmd.Context()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.IsManagedMode() {
				return fmt.Errorf("reconcile needs managed mode: standalone state lives in the serve process")
			}

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

			gw, err := buildChannels(cfg, nil)
			if err != nil {
				return err
			}
			defer gw.manager.Close()

			eng := engine.New(engine.Deps{
				Stores:           stores,
				Config:           cfg,
				Assistant:        buildAssistant(cfg, stores),
				Sender:           gw.manager,
				Presence:         buildPresence(cfg, rdb),
				Events:           queue,
				AssistantTimeout: assistantBudget(cfg.AssistantSettings()),
			})
			n, err := eng.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("reconciled %d conversation(s)\n", n)
			return nil
		},
	}
}
