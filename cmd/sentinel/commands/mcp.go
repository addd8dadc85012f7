package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve request_secret and check_request as MCP tools over stdio",
		Long: `Runs an MCP server bound to one agent id. Configure it in your client:

  {
    "mcpServers": {
      "sentinel": {
        "command": "sentinel",
        "args": ["mcp", "--agent", "my-agent", "--config", "/path/to/sentinel.yaml"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, closeFn, err := localEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := mcp.NewServer(eng, agentID, version, logger)
			if err != nil {
				return err
			}
			logger.Info("mcp server starting", "agent", agentID, "store", cfg.Store.Driver)
			return mcp.Serve(ctx, s)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id every request is made as (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
