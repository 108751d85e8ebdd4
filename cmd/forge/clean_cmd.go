package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// CleanCmd removes the derived-output tree rooted at OutputRoot, the engine's counterpart to a full rebuild-from-scratch
// without touching the local action cache or CAS.
type CleanCmd struct {
	OutputRoot string `default:"bazel-out" placeholder:"<dir>" help:"root of the derived-artifact tree to remove"`
}

func (c *CleanCmd) Run(cctx *Context) error {
	if c.OutputRoot == "" || c.OutputRoot == "." || c.OutputRoot == "/" {
		return fmt.Errorf("forge: refusing to clean %q", c.OutputRoot)
	}
	if _, err := os.Stat(c.OutputRoot); os.IsNotExist(err) {
		fmt.Printf("forge: %s does not exist, nothing to clean\n", c.OutputRoot)
		return nil
	}
	if err := os.RemoveAll(filepath.Clean(c.OutputRoot)); err != nil {
		return fmt.Errorf("forge: clean %s: %w", c.OutputRoot, err)
	}
	fmt.Printf("forge: removed %s\n", c.OutputRoot)
	return nil
}
