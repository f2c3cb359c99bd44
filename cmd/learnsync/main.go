package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "learnsync",
	Short: "LearnHub offline sync CLI",
	Long: "Command-line interface for the LearnHub offline sync layer.\n" +
		"Download content for offline use, inspect and replay the action queue,\n" +
		"and run the cache policy worker as a local proxy.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("base-url", "", "Content API base URL")
	f.String("user", "", "user id to act as")
	f.String("lang", "", "UI locale")
	f.String("store-driver", "", "local store driver: sqlite or memory")
	f.String("log-level", "", "log level: debug, info, warn, error")
	bindFlag("default.base_url", f.Lookup("base-url"))
	bindFlag("default.user_id", f.Lookup("user"))
	bindFlag("default.lang", f.Lookup("lang"))
	bindFlag("store.driver", f.Lookup("store-driver"))
	bindFlag("log.level", f.Lookup("log-level"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
