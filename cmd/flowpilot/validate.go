package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/escalation"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file...>",
	Short: "Validate workflow definition files",
	Long:  "Decode each JSON or YAML definition file and run the structural and semantic checks applied at registration. Nothing is registered.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	tc, err := newToolchain(cfg, &escalation.LogNotifier{Logger: logger}, escalation.AutoApprover{Approve: true}, logger)
	if err != nil {
		return err
	}
	return validateFiles(cmd.OutOrStdout(), tc, args)
}

// validateFiles reports every file and every issue, and fails if any file
// holds an invalid definition.
func validateFiles(w io.Writer, tc *toolchain, paths []string) error {
	invalid := 0
	for _, p := range paths {
		wfs, err := tc.loader.LoadFile(p)
		if err != nil {
			fmt.Fprintf(w, "FAIL %s\n  %v\n", p, err)
			invalid++
			continue
		}
		for _, wf := range wfs {
			res := tc.validator.Validate(wf)
			status := "ok  "
			if !res.Valid() {
				status = "FAIL"
				invalid++
			}
			fmt.Fprintf(w, "%s %s: %s@%s\n", status, p, wf.ID, wf.Version)
			for _, issue := range res.Errors {
				fmt.Fprintf(w, "  error   %s [%s]\n", issue, issue.Code)
			}
			for _, issue := range res.Warnings {
				fmt.Fprintf(w, "  warning %s [%s]\n", issue, issue.Code)
			}
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d invalid definition(s)", invalid)
	}
	return nil
}
