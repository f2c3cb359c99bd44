package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage learnsync configuration",
	Long:  "View or modify the learnsync configuration stored in ~/.learnsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'learnsync init <user-id>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  configSetHelp(),
	Example: `  learnsync config set worker.locales en,fr,ar
  learnsync config set cache.driver redis
  learnsync config set store.path ~/.learnsync/learnsync.db
  learnsync config set sync.debounce 2s`,
	Args: cobra.ExactArgs(2),
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

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// configSetHelp lists the settable keys grouped by section.
func configSetHelp() string {
	var b strings.Builder
	b.WriteString("Set a configuration value using dot notation.\n\nKeys:\n")
	section := ""
	for _, key := range configKeys {
		sec, _, _ := strings.Cut(key, ".")
		if sec != section {
			if section != "" {
				b.WriteString("\n")
			}
			b.WriteString("  ")
			section = sec
		} else {
			b.WriteString(" ")
		}
		b.WriteString(key)
	}
	b.WriteString("\n\nworker.locales takes a comma-separated list; the first locale is the default.")
	return b.String()
}
