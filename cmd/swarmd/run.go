package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aristath/swarmd/internal/cli"
)

// Run executes the command line and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	return run(ctx, args, os.Stderr)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "swarmd: %v\n", err)
		return 1
	}
	return 0
}
