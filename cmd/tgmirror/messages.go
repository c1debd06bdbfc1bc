package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tgmirror/internal/cache"
)

var (
	messagesLimit   int
	messagesOffset  int
	messagesFrom    string
	messagesTo      string
	messagesRefresh bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show a chat's messages newest-first",
	Long: `Show a chat's messages, syncing missing history from Telegram on
demand. Repeated invocations serve from the local cache and fetch only
the gap since the last sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}

		opts := cache.GetOptions{
			Limit:        messagesLimit,
			Offset:       messagesOffset,
			ForceRefresh: messagesRefresh,
		}
		if opts.MinDate, err = parseDateFlag(messagesFrom); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		if opts.MaxDate, err = parseDateFlag(messagesTo); err != nil {
			return fmt.Errorf("--to: %w", err)
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

		messages, err := a.mirror.GetMessages(ctx, chatID, opts)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			sender := msg.SenderDisplay
			if sender == "" {
				sender = strconv.FormatInt(msg.SenderID, 10)
			}
			text := strings.ReplaceAll(msg.Text, "\n", " ")
			edited := ""
			if !msg.EditDate.IsZero() {
				edited = " (edited)"
			}
			fmt.Printf("[%s] %s: %s%s\n", msg.Date.Format("2006-01-02 15:04"), sender, text, edited)
		}
		fmt.Printf("%d messages\n", len(messages))
		return nil
	},
}

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "maximum number of messages (0 = all)")
	messagesCmd.Flags().IntVar(&messagesOffset, "offset", 0, "skip this many newest messages")
	messagesCmd.Flags().StringVar(&messagesFrom, "from", "", "oldest date to include (YYYY-MM-DD or RFC3339)")
	messagesCmd.Flags().StringVar(&messagesTo, "to", "", "newest date to include (YYYY-MM-DD or RFC3339)")
	messagesCmd.Flags().BoolVar(&messagesRefresh, "refresh", false, "bypass the local cache")
}

func parseDateFlag(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	return t, nil
}
