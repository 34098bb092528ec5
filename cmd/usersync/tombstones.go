package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/metadata"
)

var tombstonesCmd = &cobra.Command{
	Use:     "tombstones",
	GroupID: "advanced",
	Short:   "List remote records discarded for missing sessions",
	Long: `List remote records that referenced a session missing from the catalog
and were discarded. Tombstoned records are skipped by later fetches until
the sync state is reset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		meta, err := metadata.Open(rt.cfg.DataDir)
		if err != nil {
			return err
		}
		keys, err := meta.Tombstones()
		if err != nil {
			return err
		}

		if len(keys) == 0 {
			fmt.Println(ui.RenderMuted("No tombstones"))
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		fmt.Println(ui.RenderMuted(fmt.Sprintf("%d tombstone(s)", len(keys))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tombstonesCmd)
}
