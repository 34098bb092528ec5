package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/daemon"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  1. Imports the catalog directory (<data-dir>/sessions) into the database
  2. Waits for an available account, then bootstraps the zone and subscription
  3. Uploads local changes and applies remote changes as they arrive
  4. Re-imports catalog files when they change
  5. Serves the dashboard when --dashboard-enabled is set

Example usage:
  usersync daemon
  usersync daemon --remote-url http://localhost:7718 --dashboard-enabled
  usersync daemon --dashboard-enabled --dashboard-port 9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		host, err := daemon.Open(rt.cfg, rt.logs)
		if err != nil {
			return err
		}
		defer host.Close()

		fmt.Printf("%s Sync daemon starting (data: %s)\n", ui.RenderAccent("⟳"), rt.cfg.DataDir)
		if rt.cfg.Remote.URL == "" {
			fmt.Println(ui.RenderWarn("  No remote URL configured; syncing against an in-process store"))
		}
		if rt.cfg.Dashboard.Enabled {
			fmt.Printf("  Dashboard: http://%s:%d (ws://%s:%d/ws)\n",
				rt.cfg.Dashboard.Host, rt.cfg.Dashboard.Port, rt.cfg.Dashboard.Host, rt.cfg.Dashboard.Port)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := host.Start(ctx); err != nil && err != context.Canceled {
			return fmt.Errorf("daemon failed: %w", err)
		}

		fmt.Printf("%s Sync daemon stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard-enabled", false, "Serve the WebSocket dashboard")
	daemonCmd.Flags().Int("dashboard-port", 7717, "Dashboard port")
	daemonCmd.Flags().Bool("sync-enabled", true, "Start with sync enabled")

	rootCmd.AddCommand(daemonCmd)
}
