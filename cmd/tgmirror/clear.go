package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear <chat-id>",
	Short: "Drop a chat's cached messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
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

		if err := a.mirror.ClearChat(ctx, chatID); err != nil {
			return err
		}
		fmt.Printf("cleared cached messages for chat %d\n", chatID)
		return nil
	},
}
