package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/metadata"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "sync",
	Short:   "Forget all sync bookkeeping (sign-out)",
	Long: `Forget the change cursor, bootstrap flags, tombstones and the remote
system fields of every local record.

Local records are kept. The next sync re-creates the zone and subscription
and uploads every record as new. Stop the daemon before running this.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			ok, err := ui.Confirm("Reset sync state?",
				fmt.Sprintf("Local records in %s are kept; sync bookkeeping is discarded.", rt.cfg.DataDir), false)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted (use --yes to skip the prompt)")
				return nil
			}
		}

		database, err := db.Open(rt.cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.ClearAllSystemFields(cmd.Context()); err != nil {
			return err
		}
		if err := metadata.ResetLocalMetadata(rt.cfg.DataDir); err != nil {
			return err
		}

		fmt.Printf("%s Sync state reset\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}
