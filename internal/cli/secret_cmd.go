package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSecretCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage sealed third-party secrets such as the model API key",
	}

	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Seal a secret read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.secrets()
			if err != nil {
				return err
			}
			value, err := readSecret(a.in)
			if err != nil {
				return fmt.Errorf("secret: %w", err)
			}
			if err := m.Put(cmd.Context(), args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "secret %s stored\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List secret names and their sealing scheme",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			secrets, err := s.ListSecrets(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEME\tUPDATED")
			for _, sec := range secrets {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", sec.Name, sec.Value.Scheme, sec.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	export := &cobra.Command{
		Use:   "export <name>",
		Short: "Print a secret in its sealed scheme:base64 form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.secrets()
			if err != nil {
				return err
			}
			text, err := m.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, text)
			return nil
		},
	}

	imp := &cobra.Command{
		Use:   "import <name>",
		Short: "Store a sealed value read from stdin",
		Long: `Store a value produced by "secret export" on a host sharing the same
vault key. The value is checked to open under the local key first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.secrets()
			if err != nil {
				return err
			}
			text, err := readSecret(a.in)
			if err != nil {
				return fmt.Errorf("secret: %w", err)
			}
			if err := m.Import(cmd.Context(), args[0], text); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "secret %s imported\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, list, export, imp)
	return cmd
}
