package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/stepwise/internal/defaults"
)

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example stepwise.yaml (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(g.stdout, dir)
		},
	}
}

// runInit writes the example configuration into dir. An existing file
// is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "stepwise.yaml")
	written, err := writeIfMissing(path, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "Wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "Kept existing %s\n", path)
	}
	fmt.Fprintln(w, "Set GOOGLE_API_KEY (or pick another model provider) and point tool_server at your MCP server.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
