package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/daemon"
	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// statusReport is the --json form of "usersync status".
type statusReport struct {
	DataDir             string         `json:"data_dir"`
	Remote              string         `json:"remote"`
	Account             string         `json:"account,omitempty"`
	Zone                string         `json:"zone"`
	HasCursor           bool           `json:"has_cursor"`
	CreatedScope        bool           `json:"created_scope"`
	CreatedSubscription bool           `json:"created_subscription"`
	Tombstones          int            `json:"tombstones"`
	Records             map[string]int `json:"records"`
	NotUploaded         map[string]int `json:"not_uploaded"`
	Sessions            int            `json:"sessions"`
	DatabaseSize        int64          `json:"database_size"`
	UpdatedAt           time.Time      `json:"updated_at,omitzero"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Long: `Show the persisted sync bookkeeping and local record counts.

Reads the database and metadata directly, so it works whether or not the
daemon is running. With a remote URL configured the account status is
checked as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := buildStatus(cmd.Context(), rt)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printStatus(report)
		return nil
	},
}

func buildStatus(ctx context.Context, rt *app) (*statusReport, error) {
	database, err := db.Open(rt.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	defer database.Close()

	meta, err := metadata.Open(rt.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	snap, err := meta.Snapshot()
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		DataDir:             rt.cfg.DataDir,
		Remote:              rt.cfg.Remote.URL,
		Zone:                rt.cfg.Sync.ZoneOwner + "/" + rt.cfg.Sync.ZoneName,
		HasCursor:           len(snap.Cursor) > 0,
		CreatedScope:        snap.CreatedScope,
		CreatedSubscription: snap.CreatedSubscription,
		Tombstones:          len(snap.Tombstones),
		Records:             make(map[string]int),
		NotUploaded:         make(map[string]int),
		UpdatedAt:           snap.UpdatedAt,
	}
	if report.Remote == "" {
		report.Remote = "in-process"
	}

	for _, typ := range schema.AllRecordTypes() {
		n, err := database.CountContext(ctx, typ)
		if err != nil {
			return nil, err
		}
		report.Records[typ.ShortName()] = n

		fresh, err := database.ListContext(ctx, typ, db.ListFilter{NeverUploaded: true})
		if err != nil {
			return nil, err
		}
		report.NotUploaded[typ.ShortName()] = len(fresh)
	}

	sessions, err := database.ListSessionsContext(ctx)
	if err != nil {
		return nil, err
	}
	report.Sessions = len(sessions)

	if info, err := os.Stat(rt.cfg.DatabasePath()); err == nil {
		report.DatabaseSize = info.Size()
	}

	if rt.cfg.Remote.URL != "" {
		store, err := daemon.OpenStore(rt.cfg.Remote, rt.logs.Logger("remote"))
		if err != nil {
			return nil, err
		}
		actx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := store.AccountStatus(actx)
		cancel()
		if err != nil {
			report.Account = "unreachable: " + err.Error()
		} else {
			report.Account = status.String()
		}
	}

	return report, nil
}

func printStatus(r *statusReport) {
	fmt.Println(ui.RenderHeader("Sync"))
	fmt.Println(ui.RenderField("Data", r.DataDir))
	fmt.Println(ui.RenderField("Remote", r.Remote))
	if r.Account != "" {
		fmt.Println(ui.RenderField("Account", r.Account))
	}
	fmt.Println(ui.RenderField("Zone", r.Zone))
	fmt.Println(ui.RenderField("Zone created", yesNo(r.CreatedScope)))
	fmt.Println(ui.RenderField("Subscribed", yesNo(r.CreatedSubscription)))
	fmt.Println(ui.RenderField("Cursor", yesNo(r.HasCursor)))
	if r.UpdatedAt.IsZero() {
		fmt.Println(ui.RenderField("Last update", ui.RenderMuted("never")))
	} else {
		fmt.Println(ui.RenderField("Last update", humanize.Time(r.UpdatedAt)))
	}
	fmt.Println(ui.RenderField("Tombstones", humanize.Comma(int64(r.Tombstones))))

	fmt.Println()
	fmt.Println(ui.RenderHeader("Records"))
	for _, typ := range schema.AllRecordTypes() {
		name := typ.ShortName()
		line := humanize.Comma(int64(r.Records[name]))
		if n := r.NotUploaded[name]; n > 0 {
			line += ui.RenderWarn(fmt.Sprintf(" (%d not uploaded)", n))
		}
		fmt.Println(ui.RenderField(name, line))
	}
	fmt.Println(ui.RenderField("sessions", humanize.Comma(int64(r.Sessions))))
	fmt.Println(ui.RenderField("database", humanize.Bytes(uint64(r.DatabaseSize))))
}

func yesNo(v bool) string {
	if v {
		return ui.RenderPass("yes")
	}
	return ui.RenderMuted("no")
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(statusCmd)
}
