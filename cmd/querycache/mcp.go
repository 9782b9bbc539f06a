package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/querycache/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve cache operations as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("mcp server reading from stdin")
			return mcp.New(a.engine, version, a.log).Run(ctx, os.Stdin, os.Stdout)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}
