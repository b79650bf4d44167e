package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/model"
)

// newRootCmd builds the maildigest command tree around a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "maildigest",
		Short: "Mail ingestion, relevance scoring and daily digests",
		Long: `maildigest polls IMAP mailboxes, scores each new message for relevance
with a generative model and produces a digest of the relevant mail.

Examples:
  maildigest key init                   # create the vault master key
  maildigest account add me@example.com --host imap.example.com --password-stdin
  maildigest secret set model-api-key   # store the model API key
  maildigest run fetch                  # one fetch pass over active accounts
  maildigest serve                      # scheduler with /metrics and /healthz`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.out = cmd.OutOrStdout()
			a.in = cmd.InOrStdin()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", model.DefaultConfigPath(), "path to the config file")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newKeyCmd(a),
		newAccountCmd(a),
		newPriorityCmd(a),
		newPromptCmd(a),
		newSecretCmd(a),
		newCredentialsCmd(a),
		newLedgerCmd(a),
		newSummaryCmd(a),
	)
	return root
}

// Execute runs the command tree with ctx and releases whatever the
// command opened.
func Execute(ctx context.Context) error {
	a := &app{}
	defer a.close()
	return newRootCmd(a).ExecuteContext(ctx)
}

// readSecret reads a single line, such as a password piped on stdin.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", fmt.Errorf("empty input")
	}
	return value, nil
}
