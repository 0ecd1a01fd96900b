package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/clock/system"
	"github.com/JakeFAU/newswire/internal/dispatcher"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/server"
)

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule [queue-type]",
		Short: "Print the order the next dispatch tick would use",
		Long: `schedule reads the run ledger and prints the units the next tick for the
queue type would dispatch, in order. Units with a run in progress are omitted.
The queue type defaults to recent-articles.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueType := scrape.QueueRecentArticles
			if len(args) == 1 {
				qt, err := scrape.ParseQueueType(args[0])
				if err != nil {
					return err
				}
				queueType = qt
			}
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			clock := system.New()
			ledger, err := server.OpenLedger(cmd.Context(), cfg, clock)
			if err != nil {
				return err
			}
			defer ledger.Close()
			reg, release, err := server.OpenRegistry(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer release()

			d := dispatcher.New(ledger, nil, reg, clock, dispatcher.Config{}, zap.NewNop())
			units, err := d.SortedUnits(cmd.Context(), queueType)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, unit := range units {
				fmt.Fprintf(out, "%d\t%s\n", i+1, unit.Key())
			}
			if len(units) == 0 {
				fmt.Fprintf(out, "no units due for %s\n", queueType)
			}
			return nil
		},
	}
}
