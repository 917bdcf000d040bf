package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginName string

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginName, "name", "", "display name shown on sent messages")
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Store the identity in ~/.chatsync/config.toml",
	Long:  "Record the user id (and optionally display name) the CLI signs in as.\nAuthentication itself is handled outside chatsync.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if loginName != "" {
			cfg.Auth.DisplayName = loginName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Identity saved to %s\n", path)
		return nil
	},
}
