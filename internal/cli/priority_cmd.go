package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPriorityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority",
		Short: "Manage sender priority weights",
	}

	var note string
	set := &cobra.Command{
		Use:   "set <sender> <weight>",
		Short: "Weight a sender between 0 and 10",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("weight must be an integer: %w", err)
			}
			if weight < 0 || weight > 10 {
				return fmt.Errorf("weight must be between 0 and 10, got %d", weight)
			}
			reg, err := a.registry()
			if err != nil {
				return err
			}
			if err := reg.SetPriority(cmd.Context(), args[0], weight, note); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s weighted %d\n", args[0], weight)
			return nil
		},
	}
	set.Flags().StringVar(&note, "note", "", "why the weight was set")

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured sender weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			priorities, err := s.ListPriorities(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SENDER\tWEIGHT\tNOTE")
			for _, p := range priorities {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", p.Address, p.Weight, p.Note)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}
