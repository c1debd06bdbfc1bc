package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tgmirror/internal/mcpserver"
)

var mcpPort int

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the mirror to MCP clients over local HTTP",
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

		server := mcpserver.New(a.mirror)
		if err := server.Start(mcpPort); err != nil {
			return err
		}
		fmt.Printf("mcp server listening on %s\n", server.Endpoint())

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	},
}

func init() {
	mcpCmd.Flags().IntVar(&mcpPort, "port", 0, "listen port (0 = random)")
}
