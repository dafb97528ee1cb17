package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mixrelay/node/pkg/config"
)

// configCmd prints the effective configuration (defaults merged with any
// YAML/env overlay), letting operators sanity-check settings before
// running "serve".
func configCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "inspect node configuration",
	}
	root.AddCommand(configShowCmd())
	return root
}

func configShowCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "print the effective node configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envName)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment overlay name, e.g. production")
	return cmd
}
