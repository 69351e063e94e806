package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lmbridge/lmbridge/pkg/config"
)

var (
	configPath  string
	configForce bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the lmbridge config file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !configForce {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
			}
			cfg := config.NewDefault()
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", configPath)
			return nil
		},
	}
	initCmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Config TOML path")
	initCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
