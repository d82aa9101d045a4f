package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long:  "Run the engine behind a Model Context Protocol server on stdin/stdout. Logs go to stderr.",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{scheduler: true})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
	}()

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:    a.engine,
		Loader:    a.loader,
		Approvals: a.queue,
		Logger:    logger,
		Version:   version,
	})
	a.router.Handle(mcp.ChannelMCP, mcp.NewNotifier(srv.MCPServer(), srv.Sessions()))

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	logger.Info("mcp server starting", "workflows", a.engine.Workflows().Count())
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
