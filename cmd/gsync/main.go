// gsync keeps Bitrix24 deals in step with the ABCP customer garage: it
// fetches vehicle records per date window into a local SQLite store and
// reconciles the latest record of each customer into the matching deal's
// user fields.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"garagesync/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "gsync",
	Short: "ABCP to Bitrix24 garage synchronization",
	Long: `gsync synchronizes the ABCP customer garage into Bitrix24 deals.

The pipeline has two stages:
  1. fetch  - pull vehicle records from the ABCP admin API per calendar-year
              slice and upsert them into a local SQLite database
  2. sync   - for each customer, take the latest stored record, locate the
              matching deal by the configured user-field code, and update
              only the deal fields whose values actually changed

Every reconciliation outcome is recorded in sync_status (latest state per
customer) and sync_audit (append-only history).

Configuration comes from the environment, optionally seeded from a .env
file. See the run command help for the required variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, ui.Warn("interrupted - graceful shutdown"))
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.Err("Error:"), err)
		os.Exit(1)
	}
}
