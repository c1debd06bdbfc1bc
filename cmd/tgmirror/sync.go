package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tgmirror/internal/cache"
)

var (
	syncFrom    string
	syncLimit   int
	syncRefresh bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror every chat's history into the local store",
	Long: `Mirror every live chat sequentially. Per-chat failures are
reported at the end without aborting the remaining chats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cache.SyncOptions{
			Limit:        syncLimit,
			ForceRefresh: syncRefresh,
		}
		var err error
		if opts.MinDate, err = parseDateFlag(syncFrom); err != nil {
			return fmt.Errorf("--from: %w", err)
		}

		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openMirror(ctx); err != nil {
			return err
		}

		if err := a.mirror.SyncAll(ctx, opts); err != nil {
			return fmt.Errorf("sync finished with errors: %w", err)
		}
		fmt.Println("sync complete")
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncFrom, "from", "", "only sync history back to this date (YYYY-MM-DD or RFC3339)")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "per-chat message limit (0 = full history)")
	syncCmd.Flags().BoolVar(&syncRefresh, "refresh", false, "refresh the dialog snapshot before syncing")
}
