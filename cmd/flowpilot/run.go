package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Execute a workflow once and print the result",
	Long: `Execute a registered workflow synchronously and print the execution result as JSON.
Definitions from --file are registered first. Approvals are answered by the
auto approver since nobody can resolve the queue during a one-shot run.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("context", "", "execution input as a JSON object")
	runCmd.Flags().StringSlice("file", nil, "workflow definition files to register before running")
	runCmd.Flags().String("workflow-version", "", "workflow version to run (default: latest)")
	runCmd.Flags().Bool("diagram", false, "print an ASCII diagram of the run to stderr")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	cfg.Approvals.Mode = approvalAuto

	raw, _ := cmd.Flags().GetString("context")
	input, err := parseInput(raw)
	if err != nil {
		return err
	}
	files, _ := cmd.Flags().GetStringSlice("file")
	wfVersion, _ := cmd.Flags().GetString("workflow-version")
	withDiagram, _ := cmd.Flags().GetBool("diagram")

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.close(shutdownCtx)
	}()

	if err := a.loadFiles(ctx, files); err != nil {
		return err
	}
	res, err := executeWorkflow(ctx, a, cmd.OutOrStdout(), args[0], input, wfVersion)
	if withDiagram && res != nil {
		printRunDiagram(a, res)
	}
	return err
}

// executeWorkflow runs one workflow and writes its result. A failed execution
// is reported as an error after the result is written.
func executeWorkflow(ctx context.Context, a *app, w io.Writer, workflowID string, input map[string]any, wfVersion string) (*schema.ExecutionResult, error) {
	res, err := a.engine.Execute(ctx, workflowID, input, engine.ExecuteOptions{
		Version:     wfVersion,
		TriggeredBy: "cli",
	})
	if res == nil {
		return nil, err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return res, fmt.Errorf("write result: %w", encErr)
	}
	if err != nil {
		return res, err
	}
	if res.Status != schema.ExecutionStatusCompleted {
		if res.Error != nil {
			return res, fmt.Errorf("execution %s failed: %w", res.ExecutionID, res.Error)
		}
		return res, fmt.Errorf("execution %s ended %s", res.ExecutionID, res.Status)
	}
	return res, nil
}

// parseInput decodes the --context flag. Empty means no input.
func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("--context must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
