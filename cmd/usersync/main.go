// Command usersync keeps favorites, bookmarks and session progress in sync
// with a remote zone store.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/config"
	"github.com/confcore/usersync/internal/logging"
	"github.com/confcore/usersync/internal/observability"
)

// Version is set at build time.
var Version = "dev"

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "usersync",
	Short: "Sync favorites, bookmarks and session progress",
	Long: `usersync keeps user data (favorites, bookmarks and session progress)
in a local SQLite database and synchronizes it with a remote zone store.

Run "usersync daemon" to keep the sync engine running, or use the record
commands to inspect and edit local data.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: ./usersync.yaml or <data-dir>/usersync.yaml)")
	flags.String("data-dir", "", "Directory holding the database, metadata and catalog")
	flags.String("remote-url", "", "Remote store URL (empty uses an in-process store)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Also log to stderr when logging to a file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs after startup.
type app struct {
	cfg  *config.Config
	logs *logging.Factory
	tel  *observability.Telemetry
}

// setup loads configuration and starts logging and telemetry. Call close
// when done.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(config.Options{File: configFile, Flags: cmd.Flags()})
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	tel, err := observability.Initialize(cmd.Context(), observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Enabled:        cfg.Telemetry.Enabled,
		Logger:         logs.Logger("telemetry"),
	})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	return &app{cfg: cfg, logs: logs, tel: tel}, nil
}

func (r *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry shutdown: %v\n", err)
	}
	_ = r.logs.Close()
}
