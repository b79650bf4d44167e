package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCredentialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Credential maintenance",
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Re-seal legacy credentials under the current scheme",
		Long: `Re-seal every account password and secret still stored under the
legacy reversible encoding. Legacy rows remain readable until migrated;
credentials that cannot be opened are logged and left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			secrets, err := a.secrets()
			if err != nil {
				return err
			}

			accounts, err := reg.MigrateCredentials(cmd.Context())
			if err != nil {
				return err
			}
			migrated, err := secrets.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "migrated accounts=%d secrets=%d\n", accounts, migrated)
			return nil
		},
	}

	cmd.AddCommand(migrate)
	return cmd
}
