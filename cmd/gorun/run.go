package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a function once and print its JSON result",
		Long: `Run a JavaScript function expression in the sandbox and print its result.

Source can be provided via:
  - File argument: gorun run add.js --args '[1, 2]'
  - Inline flag: gorun run -c '(a, b) => a + b' --args '[1, 2]'
  - Stdin: echo '() => 42' | gorun run

With --known the source is a key of the manifest instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args)
		},
	}
	cmd.Flags().StringP("code", "c", "", "Source to execute")
	cmd.Flags().String("args", "", "Arguments as a JSON array")
	addExecutorFlags(cmd)
	return cmd
}

func (a *app) run(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, a.v.GetString("code"), args)
	if err != nil {
		return err
	}

	var callArgs []any
	if raw := a.v.GetString("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &callArgs); err != nil {
			return fmt.Errorf("--args must be a JSON array: %w", err)
		}
	}

	exec, err := a.buildExecutor()
	if err != nil {
		return err
	}
	defer exec.Close(context.Background())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := exec.Run(ctx, source, callArgs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readSource(cmd *cobra.Command, code string, args []string) (string, error) {
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		// Check if stdin has data (not a terminal)
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", errNoSource
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errNoSource
	}
	return string(data), nil
}
