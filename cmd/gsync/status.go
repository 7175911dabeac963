package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"garagesync/internal/config"
	"garagesync/internal/store"
	"garagesync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reconciliation state and audit history",
	Long: `Show the latest reconciliation outcome per customer from the local
database. With --user the audit history of that customer is printed too.

Examples:
  gsync status
  gsync status --user 12345 --audit 20`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().Int64("user", 0, "show one customer, including audit history")
	statusCmd.Flags().Int("audit", 10, "number of audit rows to show with --user")
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	user, _ := flags.GetInt64("user")
	auditLimit, _ := flags.GetInt("audit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	count, err := st.VehicleCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s record(s) in %s\n\n", ui.Accent("garage:"), strconv.Itoa(count), cfg.SQLitePath)

	if user != 0 {
		return showCustomer(cmd, st, user, auditLimit)
	}

	statuses, err := st.ListStatuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println(ui.Dim("no reconciliation outcomes recorded yet"))
		return nil
	}

	fmt.Printf("%-10s %-8s %-9s %-7s %-20s %s\n", "USER", "DEAL", "RESULT", "FIELDS", "SYNCED AT", "ERROR")
	for _, s := range statuses {
		deal := "-"
		if s.DealID != 0 {
			deal = strconv.FormatInt(s.DealID, 10)
		}
		fmt.Printf("%-10d %-8s %-18s %-7d %-20s %s\n",
			s.UserID, deal, ui.ForResult(s.LastResult), s.FieldsUpdatedCount,
			s.LastSyncedAt, ui.Dim(s.LastError))
	}
	return nil
}

func showCustomer(cmd *cobra.Command, st *store.Store, user int64, auditLimit int) error {
	ctx := cmd.Context()

	status, err := st.GetStatus(ctx, user)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fmt.Printf("%s customer %d has no recorded outcome\n", ui.Dim("status:"), user)
	case err != nil:
		return err
	default:
		fmt.Printf("%s\n", ui.Accent(fmt.Sprintf("customer %d", user)))
		fmt.Printf("  result:       %s\n", ui.ForResult(status.LastResult))
		if status.DealID != 0 {
			fmt.Printf("  deal:         %d\n", status.DealID)
		}
		fmt.Printf("  source:       record %d (%s)\n", status.SourceVehicleID, status.SourceDateUpdated)
		fmt.Printf("  synced at:    %s\n", status.LastSyncedAt)
		if len(status.FieldCodes) > 0 {
			fmt.Printf("  fields:       %s\n", strings.Join(status.FieldCodes, ", "))
		}
		if status.LastError != "" {
			fmt.Printf("  last error:   %s\n", ui.Err(status.LastError))
		}
	}

	entries, err := st.ListAudit(ctx, user, auditLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Printf("\n%s\n", ui.Accent("audit (newest first)"))
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-18s fields=%d", e.CreatedAt, ui.ForResult(e.Result), e.FieldsUpdatedCount)
		if e.Error != "" {
			line += "  " + ui.Dim(e.Error)
		}
		fmt.Println(line)
	}
	return nil
}
