package main

import (
	"fmt"

	"github.com/forgeworks/forge/version"
)

// VersionCmd prints build provenance from version.Get():
// runtime/debug.BuildInfo plus whatever git metadata was baked in via
// -ldflags, rather than hand-maintained version strings.
type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	info := version.Get()
	if info.GitCommit != "" {
		fmt.Printf("Commit: %s (%s)\n", info.GitCommit, info.GitBranch)
	}
	if info.BuildTime != "" {
		fmt.Printf("Built: %s\n", info.BuildTime)
	}
	if info.BuildInfo == nil {
		fmt.Println("build info not available")
		return nil
	}
	fmt.Printf("Module: %s\n", info.BuildInfo.Main.Path)
	fmt.Printf("Go: %s\n", info.BuildInfo.GoVersion)
	for _, setting := range info.BuildInfo.Settings {
		switch setting.Key {
		case "vcs.revision", "vcs.time", "vcs.modified":
			fmt.Printf("%s: %s\n", setting.Key, setting.Value)
		}
	}
	return nil
}
