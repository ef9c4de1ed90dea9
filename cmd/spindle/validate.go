package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check workflow files without running them",
		ArgsUsage: "<workflow.yml>...",
		Action:    validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return cli.Exit("at least one workflow file is required", report.ExitValidation)
	}

	invalid := 0
	for _, p := range paths {
		if !validateFile(os.Stderr, p) {
			invalid++
		}
	}

	if invalid > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d workflows invalid", invalid, len(paths)), report.ExitValidation)
	}
	return nil
}

// validateFile prints the diagnostics of one workflow file to w and
// reports whether it is valid.
func validateFile(w io.Writer, path string) bool {
	_, diags, err := workflow.LoadFile(path)
	for _, warn := range diags.Warnings {
		fmt.Fprintf(w, "%s: %s\n", path, warn)
	}
	for _, e := range diags.Errors {
		fmt.Fprintf(w, "%s: %s\n", path, e)
	}

	var verr *workflow.ValidationError
	if err != nil && !errors.As(err, &verr) {
		fmt.Fprintf(w, "%s: %v\n", path, err)
	}
	return err == nil
}
