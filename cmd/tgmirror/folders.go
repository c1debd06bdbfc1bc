package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var foldersRefresh bool

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the account's chat folders",
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

		folders, err := a.mirror.GetFolders(ctx, foldersRefresh)
		if err != nil {
			return err
		}
		for _, folder := range folders {
			title := folder.Title
			if folder.Emoticon != "" {
				title = folder.Emoticon + " " + title
			}
			fmt.Printf("%3d  %-24s  %d chats\n", folder.ID, title, len(folder.ChatIDs))
		}
		fmt.Printf("%d folders\n", len(folders))
		return nil
	},
}

func init() {
	foldersCmd.Flags().BoolVar(&foldersRefresh, "refresh", false, "bypass the cached folder snapshot")
}
