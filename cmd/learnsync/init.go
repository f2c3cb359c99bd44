package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initToken       string
	initOfflineOnly bool
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "API bearer token")
	initCmd.Flags().BoolVar(&initOfflineOnly, "offline-only", false, "never report downloads to the API")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store the user identity in ~/.learnsync/config.toml",
	Long:  "Initialize learnsync by storing the user id (and optionally an API token) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.UserID = args[0]
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if cmd.Flags().Changed("offline-only") {
			cfg.Default.OfflineOnly = initOfflineOnly
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("User %s saved to %s\n", args[0], path)
		return nil
	},
}
