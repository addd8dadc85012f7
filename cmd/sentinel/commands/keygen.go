package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinel-sh/sentinel/internal/auth"
	"github.com/sentinel-sh/sentinel/internal/config"
	"github.com/sentinel-sh/sentinel/internal/safefile"
	"github.com/sentinel-sh/sentinel/internal/sealer"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate seal keys and API tokens",
	}
	cmd.AddCommand(newKeygenSealCmd(), newKeygenTokenCmd())
	return cmd
}

func newKeygenSealCmd() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Write a new key for sealing stored secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite (stored secrets sealed with it become unreadable)", out)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			key, err := sealer.GenerateKey()
			if err != nil {
				return err
			}
			if err := safefile.WriteFileAtomic(out, []byte(key+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seal key written to %s\n", out)                      //nolint:errcheck
			fmt.Fprintf(cmd.OutOrStdout(), "Set store.seal_key_file: %s in your config.\n", out) //nolint:errcheck
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "sentinel.key", "key file path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func newKeygenTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		write   bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a bearer token and its config entry",
		Long: "Prints a new token once. Only its SHA-256 is kept in the config, " +
			"so store the token itself somewhere safe.",
		Example: `  sentinel keygen token --subject deploy-bot --role agent
  sentinel keygen token --subject alice --role admin --write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleAgent && role != auth.RoleAdmin {
				return fmt.Errorf("--role must be %q or %q", auth.RoleAgent, auth.RoleAdmin)
			}
			token, hash, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			entry := config.Token{Subject: subject, Role: role, TokenSHA256: hash}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Token: %s\n\n", token) //nolint:errcheck

			if write {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cfg.Auth.Tokens = append(cfg.Auth.Tokens, entry)
				if err := cfg.Save(cfgFile); err != nil {
					return err
				}
				fmt.Fprintf(w, "Added %s token for %q to %s\n", role, subject, cfgFile) //nolint:errcheck
				return nil
			}

			snippet, err := yaml.Marshal(map[string]any{
				"auth": map[string]any{"tokens": []config.Token{entry}},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "Add to your config:") //nolint:errcheck
			_, err = w.Write(snippet)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "agent id or admin id the token authenticates (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleAgent, "agent or admin")
	cmd.Flags().BoolVar(&write, "write", false, "append the entry to the config file")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
