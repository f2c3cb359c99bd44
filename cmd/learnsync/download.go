package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/learnhub/learnsync"
	"github.com/spf13/cobra"
)

var downloadsJSON bool

func init() {
	downloadsCmd.Flags().BoolVar(&downloadsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(downloadsCmd)
}

var downloadCmd = &cobra.Command{
	Use:   "download <content-id>",
	Short: "Make a course, lesson or quiz available offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			user, err := a.userID()
			if err != nil {
				return err
			}
			if !a.downloads.Download(ctx, args[0], user, a.cfg.Default.OfflineOnly) {
				return fmt.Errorf("download of %s failed", args[0])
			}
			fmt.Printf("Downloaded %s\n", args[0])
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <content-id>",
	Short: "Remove one download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			user, err := a.userID()
			if err != nil {
				return err
			}
			if !a.downloads.RemoveDownload(ctx, args[0], user) {
				fmt.Printf("%s is not downloaded\n", args[0])
				return nil
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every download (requires a connection)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			user, err := a.userID()
			if err != nil {
				return err
			}
			if err := a.downloads.ClearAllDownloads(ctx, user); err != nil {
				if errors.Is(err, learnsync.ErrClearRequiresOnline) {
					return fmt.Errorf("cannot clear downloads while offline")
				}
				return err
			}
			fmt.Println("All downloads cleared")
			return nil
		})
	},
}

var downloadsCmd = &cobra.Command{
	Use:   "downloads",
	Short: "List downloaded content",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			user, err := a.userID()
			if err != nil {
				return err
			}
			list := a.downloads.ListDownloads(ctx, user)
			if downloadsJSON {
				b, _ := json.MarshalIndent(list, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			if len(list) == 0 {
				fmt.Println("No downloads.")
				return nil
			}
			for _, dl := range list {
				title := dl.ContentID
				kind := "?"
				if dl.Content != nil {
					title = valueOrDefault(dl.Content.Title, dl.ContentID)
					kind = string(dl.Content.Type)
				}
				fmt.Printf("  %-12s %-7s %6s  %s\n", dl.ContentID, kind, formatSize(dl.SizeBytes), title)
			}
			fmt.Printf("Total: %s\n", formatSize(a.downloads.TotalSize(ctx, user)))
			return nil
		})
	},
}

func formatSize(n int64) string {
	return fmt.Sprintf("%.1fMB", float64(n)/float64(learnsync.MB))
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
