package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/vidbridge/internal/config"
)

const redacted = "<redacted>"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			cfg := redactSecrets(cc.Cfg)

			if cc.Flags.JSON {
				return printJSON(os.Stdout, cfg)
			}

			cc.Statusf("# %s\n", cc.CfgPath)

			if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}

			return nil
		},
	}
}

// redactSecrets returns a copy of cfg with credentials masked.
func redactSecrets(cfg *config.Config) *config.Config {
	out := *cfg

	if out.Auth.ClientSecret != "" {
		out.Auth.ClientSecret = redacted
	}

	if out.Source.S3SecretAccessKey != "" {
		out.Source.S3SecretAccessKey = redacted
	}

	return &out
}
