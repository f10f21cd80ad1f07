package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parley-ai/parley/examples"
)

// runInit initializes a Parley working directory with default files.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Parley workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "parley.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit parley.yaml to pick a provider and wire MCP servers.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations. Configs
// can hold tokens, hence the restricted mode.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o600)
}
