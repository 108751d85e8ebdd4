package main

import (
	"context"
	"fmt"
	"os"

	"github.com/forgeworks/forge/buildfile"
	"github.com/forgeworks/forge/query"
	"github.com/forgeworks/forge/scheduler"
	"github.com/forgeworks/forge/vfs"
)

// BuildCmd builds every action needed to produce the given target
// patterns' outputs.
type BuildCmd struct {
	BuildFile string   `default:"build.json" placeholder:"<path>" help:"serialized action description (see buildfile package)"`
	ExecRoot  string   `default:"." placeholder:"<dir>" help:"execution root every action's inputs/outputs resolve against"`
	Patterns  []string `arg:"" help:"target patterns to build, e.g. //app:out or //app/..."`
}

func (c *BuildCmd) Run(cctx *Context) error {
	res, err := runPatterns(cctx, c.BuildFile, c.ExecRoot, c.Patterns)
	if err != nil {
		return err
	}
	return reportResult(res)
}

// runPatterns is the shared build/test driving logic: expand patterns
// against the build file's package provider, materialize the resulting
// action graph, and run it to completion.
func runPatterns(cctx *Context, buildFilePath, execRoot string, patterns []string) (scheduler.Result, error) {
	f, err := buildfile.Load(buildFilePath)
	if err != nil {
		return scheduler.Result{}, err
	}

	loader := query.NewLoader(f.Provider(), nil, func(label query.Label, err error) {
		fmt.Fprintf(os.Stderr, "forge: %s: %v\n", label, err)
	})
	g, err := loader.Load(context.Background(), patterns)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("forge: loading patterns: %w", err)
	}

	factory, graph, outs, err := f.BuildGraph(g.Labels())
	if err != nil {
		return scheduler.Result{}, err
	}

	fs := vfs.NewOSFileSystem(execRoot)
	engine, closeEngine, err := buildScheduler(cctx.Config, fs, graph, factory)
	if err != nil {
		return scheduler.Result{}, err
	}
	defer closeEngine()

	return engine.Run(context.Background(), outs)
}

func reportResult(res scheduler.Result) error {
	for _, o := range res.Outcomes {
		switch o.Status {
		case scheduler.StatusFailed:
			fmt.Fprintf(os.Stderr, "FAILED action %d: %v\n", o.Action, o.Err)
		case scheduler.StatusSkipped:
			fmt.Fprintf(os.Stderr, "SKIPPED action %d (dependency failed)\n", o.Action)
		}
	}
	if res.Failed() {
		return fmt.Errorf("forge: build failed")
	}
	fmt.Printf("forge: %d actions scheduled, build succeeded\n", len(res.Outcomes))
	return nil
}
