// Command flowpilot runs declarative workflows behind an admin HTTP API, an
// MCP tool server or a one-shot CLI invocation.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/logging"
)

var cfgFile string

// rootCmd is the flowpilot command tree.
var rootCmd = &cobra.Command{
	Use:           "flowpilot",
	Short:         "Workflow automation engine",
	Long:          "Register versioned workflow definitions and run them with rule evaluation, decisions, approvals and notifications.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: flowpilot.yaml in ., $HOME/.flowpilot or /etc/flowpilot)")
	rootCmd.AddCommand(serveCmd, mcpCmd, runCmd, validateCmd, diagramCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger. Logs always go to w so
// the stdio MCP transport keeps stdout to itself.
func setup(w io.Writer) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(w, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
