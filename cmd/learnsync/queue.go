package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/learnhub/learnsync"
	"github.com/spf13/cobra"
)

var queueJSON bool

func init() {
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(retryCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List actions waiting to be synced",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			actions := a.engine.List(ctx)
			if queueJSON {
				b, _ := json.MarshalIndent(actions, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			if len(actions) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, q := range actions {
				line := fmt.Sprintf("  #%-4d %-10s %-6s %s  retries=%d  %s",
					q.Seq, q.Status, q.Method, q.URL, q.RetryCount, q.Timestamp.Local().Format(time.DateTime))
				if q.LastError != "" {
					line += "  last error: " + q.LastError
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending actions now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if !a.monitor.IsOnline() {
				return fmt.Errorf("offline: pending actions stay queued")
			}
			res, ok := a.monitor.Sync(ctx)
			if !ok {
				return learnsync.ErrSyncInProgress
			}
			printResult(res)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry failed actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.monitor.Retry(ctx)
			if errors.Is(err, learnsync.ErrOffline) {
				return fmt.Errorf("cannot retry while offline")
			}
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		})
	},
}

func printResult(res learnsync.SyncResult) {
	fmt.Printf("Synced: %d succeeded, %d failed\n", res.Success, res.Failed)
}
