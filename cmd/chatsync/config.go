package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "include .env and CHATSYNC_* overrides")
}

var configShowEffective bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowEffective {
			cfg, err := loadEffectiveConfig()
			if err != nil {
				return err
			}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("cannot marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync login <user-id>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
