package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tgmirror/internal/cache"
	"tgmirror/internal/domain"
)

var (
	chatsKind            string
	chatsRefresh         bool
	chatsMinParticipants int
	chatsMaxParticipants int
	chatsOwned           bool
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List the account's chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openMirror(ctx); err != nil {
			return err
		}

		filter := cache.ChatFilter{
			ForceRefresh:    chatsRefresh,
			MinParticipants: chatsMinParticipants,
			MaxParticipants: chatsMaxParticipants,
		}
		if cmd.Flags().Changed("owned") {
			filter.Owned = &chatsOwned
		}

		var chats []domain.Chat
		switch strings.ToLower(strings.TrimSpace(chatsKind)) {
		case "":
			chats, err = a.mirror.GetChats(ctx, filter)
		case "user", "users":
			chats, err = a.mirror.GetUsers(ctx, filter)
		case "group", "groups":
			chats, err = a.mirror.GetGroupChats(ctx, filter)
		case "channel", "channels":
			chats, err = a.mirror.GetChannels(ctx, filter)
		default:
			return fmt.Errorf("unknown kind %q (user, group or channel)", chatsKind)
		}
		if err != nil {
			return err
		}

		for _, chat := range chats {
			line := fmt.Sprintf("%16d  %-7s  %s", chat.ChatID, chat.Kind, chat.Title)
			if chat.Username != "" {
				line += "  @" + chat.Username
			}
			if chat.MigratedFromID != 0 {
				line += fmt.Sprintf("  (migrated from %d)", chat.MigratedFromID)
			}
			fmt.Println(line)
		}
		fmt.Printf("%d chats\n", len(chats))
		return nil
	},
}

func init() {
	chatsCmd.Flags().StringVar(&chatsKind, "kind", "", "filter by kind: user, group or channel")
	chatsCmd.Flags().BoolVar(&chatsRefresh, "refresh", false, "bypass the cached dialog snapshot")
	chatsCmd.Flags().IntVar(&chatsMinParticipants, "min-participants", 0, "minimum participant count for groups and channels")
	chatsCmd.Flags().IntVar(&chatsMaxParticipants, "max-participants", 0, "maximum participant count for groups and channels")
	chatsCmd.Flags().BoolVar(&chatsOwned, "owned", false, "only chats the account created")
}
