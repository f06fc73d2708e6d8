package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorun/sandbox"
)

// newWorkerCmd is the entry point of --isolate worker processes. It speaks
// the worker protocol on stdin and stdout and logs to stderr.
func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve one sandbox worker over stdin and stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return sandbox.ServeStdio(ctx, os.Stdin, os.Stdout, a.log.With("pid", os.Getpid()))
		},
	}
}
