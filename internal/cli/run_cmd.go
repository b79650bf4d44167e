package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/model"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline pass",
		Long: `Run a single pass of one pipeline stage. Every pass is idempotent and
safe to repeat; work already recorded as done in the processing ledger
is skipped.`,
	}

	fetch := &cobra.Command{
		Use:   "fetch",
		Short: "Pull new mail from every active account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner(cmd.Context(), false)
			if err != nil {
				return err
			}
			report, err := r.RunFetch(cmd.Context())
			fmt.Fprintf(a.out, "accounts=%d succeeded=%d failed=%d busy=%d persisted=%d\n",
				report.Accounts, report.Succeeded, report.Failed, report.Busy, report.Persisted)
			return err
		},
	}

	score := &cobra.Command{
		Use:   "score",
		Short: "Score every stored email still lacking a score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner(cmd.Context(), true)
			if err != nil {
				return err
			}
			report, err := r.RunScore(cmd.Context())
			fmt.Fprintf(a.out, "scored=%d failed=%d skipped=%d\n", report.Scored, report.Failed, report.Skipped)
			return err
		},
	}

	var from, to string
	summarize := &cobra.Command{
		Use:   "summarize",
		Short: "Generate the digest for the last completed window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner(cmd.Context(), true)
			if err != nil {
				return err
			}

			var sum *model.DailySummary
			if from == "" && to == "" {
				sum, err = r.RunSummarize(cmd.Context())
			} else {
				start, perr := time.Parse(time.RFC3339, from)
				if perr != nil {
					return fmt.Errorf("--from: %w", perr)
				}
				end, perr := time.Parse(time.RFC3339, to)
				if perr != nil {
					return fmt.Errorf("--to: %w", perr)
				}
				sum, err = r.Summarize(cmd.Context(), start, end)
			}
			if err != nil {
				return err
			}
			if sum == nil {
				fmt.Fprintln(a.out, "nothing to summarize")
				return nil
			}
			printSummary(a, sum)
			return nil
		},
	}
	summarize.Flags().StringVar(&from, "from", "", "window start (RFC 3339), requires --to")
	summarize.Flags().StringVar(&to, "to", "", "window end (RFC 3339, exclusive)")

	cmd.AddCommand(fetch, score, summarize)
	return cmd
}
