package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/model"
)

func newPromptCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage prompt template versions",
		Long: `Manage the versioned prompt templates. Agent types are "relevance"
and "summary". Templates use Go text/template syntax.`,
	}

	var file string
	var activate bool
	add := &cobra.Command{
		Use:   "add <agent-type>",
		Short: "Store a new template version from --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.prompts()
			if err != nil {
				return err
			}

			var body []byte
			if file != "" {
				body, err = os.ReadFile(file)
			} else {
				body, err = io.ReadAll(a.in)
			}
			if err != nil {
				return fmt.Errorf("reading template: %w", err)
			}
			if strings.TrimSpace(string(body)) == "" {
				return fmt.Errorf("template is empty")
			}

			pv, err := lib.Add(cmd.Context(), model.AgentType(args[0]), string(body), activate)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s version %d stored (active=%t)\n", pv.AgentType, pv.Version, pv.Active)
			return nil
		},
	}
	add.Flags().StringVar(&file, "file", "", "read the template from this file")
	add.Flags().BoolVar(&activate, "activate", false, "make the new version active")

	activateCmd := &cobra.Command{
		Use:   "activate <agent-type> <version>",
		Short: "Make a stored version the active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			lib, err := a.prompts()
			if err != nil {
				return err
			}
			if err := lib.Activate(cmd.Context(), model.AgentType(args[0]), version); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s version %d is active\n", args[0], version)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <agent-type>",
		Short: "List template versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.prompts()
			if err != nil {
				return err
			}
			if err := lib.EnsureDefaults(cmd.Context()); err != nil {
				return err
			}
			versions, err := lib.List(cmd.Context(), model.AgentType(args[0]))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tACTIVE\tCREATED\tFIRST LINE")
			for _, pv := range versions {
				first, _, _ := strings.Cut(strings.TrimSpace(pv.Template), "\n")
				fmt.Fprintf(tw, "%d\t%t\t%s\t%s\n",
					pv.Version, pv.Active, pv.CreatedAt.UTC().Format(time.RFC3339), first)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, activateCmd, list)
	return cmd
}
