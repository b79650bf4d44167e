package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nhle/maildigest/internal/credential"
	"github.com/nhle/maildigest/internal/vault"
)

const masterKeySize = 32

func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Vault master key management",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault master key in the configured source",
		Long: `Create a random master key in the configured key source (keyring or
file). An existing key is kept unless --force is given; replacing it
makes every stored credential unreadable. The key is never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			vc := a.cfg.Vault

			switch vault.KeySource(vc.KeySource) {
			case vault.KeySourceKeyring:
				ring, err := a.keyring()
				if err != nil {
					return err
				}
				if err := ring.GenerateKey(vc.KeyringItem, masterKeySize, force); err != nil {
					if errors.Is(err, credential.ErrExists) {
						return fmt.Errorf("%w (use --force to replace it)", err)
					}
					return err
				}
				fmt.Fprintf(a.out, "master key stored in keyring item %q\n", vc.KeyringItem)

			case vault.KeySourceFile:
				if err := writeKeyFile(vc.KeyFile, force); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "master key written to %s\n", vc.KeyFile)

			case vault.KeySourceEnv:
				return fmt.Errorf("key source is env: provision %s yourself (32 random bytes, base64)", vc.KeyEnv)

			default:
				return fmt.Errorf("unknown vault key source %q", vc.KeySource)
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "replace an existing key")

	cmd.AddCommand(initCmd)
	return cmd
}

func writeKeyFile(path string, force bool) error {
	if path == "" {
		return fmt.Errorf("vault.key_file is not set")
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("key file %s already exists (use --force to replace it)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	buf := make([]byte, masterKeySize)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generating random key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	return nil
}
