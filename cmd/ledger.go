package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/newswire/internal/clock/system"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/server"
	pgstore "github.com/JakeFAU/newswire/internal/storage/postgres"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the run ledger",
	}
	cmd.AddCommand(newLedgerMigrateCmd(), newLedgerResetCmd())
	return cmd
}

func newLedgerMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger table and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			ledger, err := server.OpenLedger(cmd.Context(), cfg, system.New())
			if err != nil {
				return err
			}
			defer ledger.Close()

			pg, ok := ledger.(*pgstore.RunStore)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s ledger needs no migration\n", cfg.DB.Driver)
				return nil
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger table %s is up to date\n", cfg.DB.Table)
			return nil
		},
	}
}

func newLedgerResetCmd() *cobra.Command {
	var (
		queueFlag string
		confirm   bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete ledger runs for one queue type, or all runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errors.New("reset deletes ledger history; pass --yes to confirm")
			}
			var queueType *scrape.QueueType
			if queueFlag != "" {
				qt, err := scrape.ParseQueueType(queueFlag)
				if err != nil {
					return err
				}
				queueType = &qt
			}
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			ledger, err := server.OpenLedger(cmd.Context(), cfg, system.New())
			if err != nil {
				return err
			}
			defer ledger.Close()

			deleted, err := ledger.Reset(cmd.Context(), queueType)
			if err != nil {
				return fmt.Errorf("reset ledger: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs\n", deleted)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueFlag, "queue", "", "queue type to reset (default: all)")
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the deletion")
	return cmd
}
