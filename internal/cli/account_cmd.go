package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/registry"
)

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage polled mailboxes",
	}

	var spec registry.AccountSpec
	var noTLS bool
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a mailbox; the password is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			password, err := readSecret(a.in)
			if err != nil {
				return fmt.Errorf("password: %w", err)
			}
			spec.Address = args[0]
			spec.UseTLS = !noTLS
			spec.Password = password

			acct, err := reg.AddAccount(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "added %s (%s)\n", acct.Address, acct.ID)
			return nil
		},
	}
	add.Flags().StringVar(&spec.Host, "host", "", "IMAP server host")
	add.Flags().IntVar(&spec.Port, "port", 993, "IMAP server port")
	add.Flags().StringVar(&spec.Username, "username", "", "login name (defaults to the address)")
	add.Flags().BoolVar(&noTLS, "starttls", false, "negotiate STARTTLS instead of implicit TLS")
	_ = add.MarkFlagRequired("host")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered mailboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			accounts, err := reg.ListAll(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tSERVER\tACTIVE\tSCHEME\tCHECKPOINT")
			for _, acct := range accounts {
				checkpoint := "-"
				if acct.Checkpoint != nil {
					checkpoint = acct.Checkpoint.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s:%d\t%t\t%s\t%s\n",
					acct.Address, acct.Host, acct.Port, acct.Active, acct.Password.Scheme, checkpoint)
			}
			return tw.Flush()
		},
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <address>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := a.registry()
				if err != nil {
					return err
				}
				if err := reg.SetActive(cmd.Context(), args[0], active); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s %sd\n", args[0], use)
				return nil
			},
		}
	}

	rotate := &cobra.Command{
		Use:   "rotate <address>",
		Short: "Replace a mailbox password; the new one is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			password, err := readSecret(a.in)
			if err != nil {
				return fmt.Errorf("password: %w", err)
			}
			if err := reg.RotateCredential(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "credential rotated for %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(
		add,
		list,
		setActive("activate", "Resume polling a mailbox", true),
		setActive("deactivate", "Stop polling a mailbox", false),
		rotate,
	)
	return cmd
}
