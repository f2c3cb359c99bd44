package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			cfg := a.cfg

			fmt.Println("Configuration:")
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
			fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
			if cfg.Default.Token != "" {
				fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
			} else {
				fmt.Println("  Token:       (not set)")
			}
			fmt.Printf("  Locale:      %s\n", cfg.Default.Lang)
			fmt.Printf("  Store:       %s (%s)\n", cfg.Store.Driver, cfg.Store.Path)
			if a.store.Degraded() {
				fmt.Println("  Store state: DEGRADED (nothing persists)")
			}

			fmt.Println()
			fmt.Println("Sync:")
			online := "offline"
			if a.monitor.IsOnline() {
				online = "online"
			}
			fmt.Printf("  Network:     %s\n", online)
			stats := a.engine.Stats(ctx)
			fmt.Printf("  Pending:     %d\n", stats.Pending)
			fmt.Printf("  Failed:      %d\n", stats.Failed)
			if stats.Processing > 0 {
				fmt.Printf("  In flight:   %d\n", stats.Processing)
			}
			if last, ok := a.engine.LastSync(); ok {
				fmt.Printf("  Last sync:   %s\n", last.Local().Format(time.RFC3339))
			} else {
				fmt.Println("  Last sync:   never")
			}

			if cfg.Default.UserID != "" {
				fmt.Println()
				fmt.Println("Downloads:")
				fmt.Printf("  Items:       %d\n", len(a.downloads.ListDownloads(ctx, cfg.Default.UserID)))
				fmt.Printf("  Size:        %s\n", formatSize(a.downloads.TotalSize(ctx, cfg.Default.UserID)))
			}
			return nil
		})
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
