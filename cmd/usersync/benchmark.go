package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/loadtest"
)

var benchmarkCmd = &cobra.Command{
	Use:     "benchmark",
	GroupID: "advanced",
	Short:   "Measure local write latency and upload convergence",
	Long: `Run the sync engine against an in-memory store in a scratch directory
while concurrent writers save records, then wait until every record has
been uploaded.

Reports local write latency percentiles and the time from the last write
until the remote store held every record. Your data directory is not used.

Examples:
  usersync benchmark
  usersync benchmark --writers 50 --writes 100 --sessions 500
  usersync benchmark --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		writers, _ := cmd.Flags().GetInt("writers")
		writes, _ := cmd.Flags().GetInt("writes")
		sessions, _ := cmd.Flags().GetInt("sessions")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if writers <= 0 || writes <= 0 || sessions <= 0 {
			return errors.New("--writers, --writes and --sessions must be positive")
		}

		dir, err := os.MkdirTemp("", "usersync-benchmark-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		f, err := loadtest.NewFixture(dir, sessions, nil)
		if err != nil {
			return err
		}
		defer f.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if !jsonOutput {
			fmt.Printf("%s %d writers x %d writes over %d sessions...\n", ui.RenderAccent("⏱"), writers, writes, sessions)
		}

		stats, err := f.RunWriters(ctx, writers, writes)
		if err != nil {
			return err
		}
		converged, err := f.WaitConverged(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"writers":        writers,
				"writes":         stats.TotalWrites,
				"errors":         stats.Errors,
				"write_p50_ms":   ms(stats.P50),
				"write_p95_ms":   ms(stats.P95),
				"write_p99_ms":   ms(stats.P99),
				"write_max_ms":   ms(stats.Max),
				"convergence_ms": ms(converged),
				"remote_records": len(f.Store.Records(f.Zone)),
			})
		}

		fmt.Println()
		stats.Fprint(os.Stdout)
		fmt.Println()
		fmt.Printf("%s Converged %d records in %v\n", ui.RenderPass("✓"),
			len(f.Store.Records(f.Zone)), converged.Round(time.Millisecond))
		return nil
	},
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func init() {
	benchmarkCmd.Flags().Int("writers", 20, "Number of concurrent writers")
	benchmarkCmd.Flags().Int("writes", 50, "Records saved per writer")
	benchmarkCmd.Flags().Int("sessions", 200, "Catalog sessions to spread records over")
	benchmarkCmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	benchmarkCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchmarkCmd)
}
