// Command forge is the CLI entry point for the execution engine: it loads
// the engine configuration, wires the cache/resource/strategy/worker
// collaborators, and dispatches to one of the build, test,
// query, fetch, clean, cache, daemon, debug-exec, version, or
// completion subcommands.
//
// The CLI is a flat kong struct of global flags plus cmd-tagged
// subcommand fields, a kong.Configuration file resolver, and a Context
// value threaded through every command's Run method instead of
// package-level state.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"

	"github.com/forgeworks/forge"
	"github.com/forgeworks/forge/config"
	"github.com/forgeworks/forge/engineerr"
)

// Context is threaded through every command's Run method.
type Context struct {
	Config config.Config
}

// CLI is the top-level flag and subcommand set.
type CLI struct {
	ConfigFile     string            `default:"forge.yaml" placeholder:"<path>" help:"project configuration file"`
	Jobs           int               `help:"override the scheduler's worker pool size (0 = runtime.NumCPU())"`
	LocalResources string            `placeholder:"<mem,cpu,io[,testslots]>" help:"resource manager totals; zero values are unlimited"`
	KeepGoing      bool              `help:"let independent subgraphs continue after a failure"`
	Strategy       map[string]string `placeholder:"<mnemonic=name;...>" help:"route action mnemonics to named strategies"`
	SpawnStrategy  string            `help:"default execution strategy (standalone, sandbox, worker)"`
	LogLevel       string            `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	DaemonDir      string            `placeholder:"<dir>" help:"daemon directory probed for a warm worker pool before builds"`
	DiskCache      string            `help:"path to the local SQLite action cache/CAS; empty uses an in-memory cache"`
	RemoteCache    string            `help:"base URL of a remote cache server"`
	OTLPEndpoint   string            `help:"host:port of an OTLP/gRPC trace collector; empty disables tracing"`

	WorkerMaxInstances   int      `help:"max live workers per worker key (0 keeps the configured value; a configured 0 is unbounded)"`
	WorkerQuitAfterBuild bool     `help:"shut the worker pool down when the build finishes"`
	WorkerSandboxing     bool     `help:"run persistent workers inside their own namespaces"`
	SandboxBlockPath     []string `placeholder:"<path>" help:"absolute paths masked inside the sandbox"`
	SandboxTmpfsPath     []string `placeholder:"<path>" help:"extra tmpfs mount points inside the sandbox (beyond /tmp)"`
	SandboxAddMountPair  []string `placeholder:"<src[:dst]>" help:"read-only bind mounts added to the sandbox"`

	Build      BuildCmd           `cmd:"" help:"build the actions needed to produce the given target patterns' outputs"`
	Test       TestCmd            `cmd:"" help:"build and run the test actions for the given target patterns"`
	Query      QueryCmd           `cmd:"" help:"evaluate a query expression over the loaded target graph"`
	Fetch      FetchCmd           `cmd:"" help:"resolve and cache external dependencies (container images) ahead of a build"`
	Clean      CleanCmd           `cmd:"" help:"remove the derived-output tree"`
	Cache      CacheCmd           `cmd:"" help:"inspect or garbage-collect the local action cache"`
	Daemon     DaemonCmd          `cmd:"" help:"start, stop, or query the persistent worker daemon"`
	DebugExec  DebugExecCmd       `cmd:"" help:"run one interactive command locally under a pty"`
	Version    VersionCmd         `cmd:"" help:"print version information"`
	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion script"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// applyTo layers the CLI's explicitly-set flags over the config-file (and
// built-in default) values, the top of the flags > file > defaults
// precedence order.
func (c *CLI) applyTo(cfg *config.Config) error {
	if c.Jobs != 0 {
		cfg.Jobs = c.Jobs
	}
	if c.LocalResources != "" {
		totals, err := parseLocalResources(c.LocalResources)
		if err != nil {
			return err
		}
		cfg.LocalResources = totals
	}
	if c.KeepGoing {
		cfg.KeepGoing = true
	}
	for mnemonic, name := range c.Strategy {
		cfg.Strategies = append(cfg.Strategies, config.StrategyRoute{Mnemonic: mnemonic, Strategy: name})
	}
	if c.SpawnStrategy != "" {
		cfg.SpawnStrategy = c.SpawnStrategy
	}
	if c.WorkerMaxInstances != 0 {
		cfg.Worker.MaxInstances = c.WorkerMaxInstances
	}
	if c.WorkerQuitAfterBuild {
		cfg.Worker.QuitAfterBuild = true
	}
	if c.WorkerSandboxing {
		cfg.Worker.Sandboxing = true
	}
	cfg.Sandbox.BlockPaths = append(cfg.Sandbox.BlockPaths, c.SandboxBlockPath...)
	cfg.Sandbox.TmpfsPaths = append(cfg.Sandbox.TmpfsPaths, c.SandboxTmpfsPath...)
	for _, pair := range c.SandboxAddMountPair {
		src, dst, found := strings.Cut(pair, ":")
		if !found {
			dst = src
		}
		if cfg.Sandbox.AddMountPairs == nil {
			cfg.Sandbox.AddMountPairs = map[string]string{}
		}
		cfg.Sandbox.AddMountPairs[src] = dst
	}
	if c.DaemonDir != "" {
		cfg.DaemonDir = c.DaemonDir
	}
	if c.DiskCache != "" {
		cfg.DiskCache = c.DiskCache
	}
	if c.RemoteCache != "" {
		cfg.RemoteCache = c.RemoteCache
	}
	if c.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.OTLPEndpoint
	}
	cfg.LogLevel = c.LogLevel
	return nil
}

// parseLocalResources parses "mem,cpu,io[,testslots]" into resource totals.
func parseLocalResources(s string) (forge.ResourceSet, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 || len(parts) > 4 {
		return forge.ResourceSet{}, fmt.Errorf("malformed --local-resources %q, want mem,cpu,io[,testslots]", s)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return forge.ResourceSet{}, fmt.Errorf("malformed --local-resources component %q", p)
		}
		vals[i] = v
	}
	totals := forge.ResourceSet{MemoryMB: vals[0], CPU: vals[1], IOShare: vals[2]}
	if len(vals) == 4 {
		totals.TestSlots = vals[3]
	}
	return totals, nil
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, cli.ConfigFile, "~/.forge.yaml"),
		kong.Description("Build and test actions across a polyglot dependency graph."),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(exitCommandLine)
	}

	cli.initSlog()

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge: loading %s: %v\n", cli.ConfigFile, err)
		os.Exit(1)
	}
	if err := cli.applyTo(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(exitCommandLine)
	}

	if err := kctx.Run(&Context{Config: cfg}); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// Exit codes per the engine's CLI contract: 0 success, 1 build failure, 2
// command-line error, 8 interrupted, 36 environment error.
const (
	exitBuildFailure = 1
	exitCommandLine  = 2
	exitInterrupted  = 8
	exitEnvironment  = 36
)

// exitCodeFor maps a command error's taxonomy kind to the process exit
// code. Internal (invariant-violation) failures and errors that never
// passed through the taxonomy exit as build failures; only errors the
// engine explicitly classified get the narrower codes.
func exitCodeFor(err error) int {
	var classified *engineerr.Error
	if !errors.As(err, &classified) {
		return exitBuildFailure
	}
	switch classified.Kind {
	case engineerr.Interrupted:
		return exitInterrupted
	case engineerr.Environment:
		return exitEnvironment
	default:
		return exitBuildFailure
	}
}
