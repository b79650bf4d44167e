package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/model"
)

func newSummaryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Read generated digests",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the most recent digests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			summaries, err := s.ListSummaries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(a.out, "no summaries yet")
				return nil
			}
			for i := range summaries {
				if i > 0 {
					fmt.Fprintln(a.out)
				}
				printSummary(a, &summaries[i])
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 1, "number of digests to print (0 for all)")

	cmd.AddCommand(list)
	return cmd
}

func printSummary(a *app, sum *model.DailySummary) {
	fmt.Fprintf(a.out, "# %s to %s (%d emails, %s)\n\n",
		sum.WindowStart.UTC().Format(time.RFC3339),
		sum.WindowEnd.UTC().Format(time.RFC3339),
		len(sum.EmailIDs),
		sum.Model,
	)
	fmt.Fprintln(a.out, sum.Digest)
}
