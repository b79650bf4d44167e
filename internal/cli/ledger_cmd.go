package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/model"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the processing ledger",
	}

	var limit int
	show := &cobra.Command{
		Use:   "show <subject>",
		Short: "Print the attempt history of a subject",
		Long: `Print every recorded attempt for a subject, oldest first. Subjects look
like account:<id>, message:<account-id>:<message-id>, email:<id> or
window:<start-ms>-<end-ms>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			entries, err := ledger.New(s, a.logger).History(cmd.Context(), ledger.Subject(args[0]), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(a.out, "no attempts recorded for %s\n", args[0])
				return nil
			}
			printLedger(a, entries)
			return nil
		},
	}
	show.Flags().IntVar(&limit, "limit", 0, "show at most this many entries (0 for all)")

	cmd.AddCommand(show)
	return cmd
}

func printLedger(a *app, entries []model.ProcessingLogEntry) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tSTAGE\tOUTCOME\tDETAIL")
	for _, e := range entries {
		detail := strings.ReplaceAll(e.Detail, "\n", " ")
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.CreatedAt.UTC().Format(time.RFC3339), e.Stage, e.Outcome, detail)
	}
	_ = tw.Flush()
}
