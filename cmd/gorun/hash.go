package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorun/executor"
)

func newHashCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash file...",
		Short: "Build a known-source manifest from source files",
		Long: `Print a manifest mapping the content hash of each file to its source.

Serve the manifest with --known so callers run sources by hash:
  gorun hash add.js mul.js > sources.json
  gorun serve --known sources.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.hash(cmd, args)
		},
	}
	cmd.Flags().StringP("format", "f", "json", "Output format: json, toml")
	return cmd
}

func (a *app) hash(cmd *cobra.Command, files []string) error {
	sources := make([]string, 0, len(files))
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		sources = append(sources, string(data))
		a.log.Debug("hashed source", "file", name, "hash", executor.ContentHash(string(data)))
	}
	manifest := executor.Manifest(sources...)

	out := cmd.OutOrStdout()
	switch format := a.v.GetString("format"); format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	case "toml":
		return toml.NewEncoder(out).Encode(manifest)
	default:
		return fmt.Errorf("unknown format %q: use json or toml", format)
	}
}
