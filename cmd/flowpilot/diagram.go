package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/definitions"
	"github.com/rendis/flowpilot/internal/diagram"
	"github.com/rendis/flowpilot/pkg/schema"
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <file>",
	Short: "Render workflow definitions as diagrams",
	Long:  "Render every workflow in a JSON or YAML definition file as a Mermaid flowchart or an ASCII diagram.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		wfs, err := definitions.NewLoader(nil).LoadFile(args[0])
		if err != nil {
			return err
		}
		return renderDiagrams(cmd.OutOrStdout(), wfs, nil, diagram.Format(format))
	},
}

func init() {
	diagramCmd.Flags().StringP("format", "f", string(diagram.FormatMermaid), "output format: mermaid or ascii")
}

// renderDiagrams writes one diagram per workflow, separated by a blank line.
// result overlays step outcomes and is only meaningful for a single workflow.
func renderDiagrams(w io.Writer, wfs []*schema.Workflow, result *schema.ExecutionResult, format diagram.Format) error {
	for i, wf := range wfs {
		model, err := diagram.Build(wf, result)
		if err != nil {
			return err
		}
		out, err := diagram.Render(model, format)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprint(w, out)
	}
	return nil
}

// printRunDiagram draws the executed workflow version with step outcomes.
func printRunDiagram(a *app, res *schema.ExecutionResult) {
	wf, err := a.engine.Workflows().Lookup(res.WorkflowID, res.WorkflowVersion)
	if err != nil {
		a.logger.Warn("diagram: workflow lookup failed", "error", err)
		return
	}
	if err := renderDiagrams(os.Stderr, []*schema.Workflow{wf}, res, diagram.FormatASCII); err != nil {
		a.logger.Warn("diagram render failed", "error", err)
	}
}
