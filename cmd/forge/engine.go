package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/term"

	"github.com/forgeworks/forge"
	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/cache/sqlitecache"
	"github.com/forgeworks/forge/config"
	"github.com/forgeworks/forge/daemon"
	"github.com/forgeworks/forge/eventbus"
	"github.com/forgeworks/forge/observability"
	"github.com/forgeworks/forge/remotecache"
	"github.com/forgeworks/forge/resource"
	"github.com/forgeworks/forge/scheduler"
	"github.com/forgeworks/forge/strategy"
	"github.com/forgeworks/forge/vfs"
	"github.com/forgeworks/forge/worker"
)

// buildScheduler assembles a scheduler.Engine from cfg, wiring the local
// (and optional remote) cache, the resource manager, the strategy
// dispatcher, and the persistent worker pool exactly as forge.yaml
// describes them. Every CLI subcommand that actually runs
// actions (build, test) shares this constructor.
func buildScheduler(cfg config.Config, fs vfs.FileSystem, graph *forge.ActionGraph, factory *forge.Factory) (*scheduler.Engine, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var localCAS cache.CAS
	var localAC cache.ActionCache
	if cfg.DiskCache != "" {
		db, err := sqlitecache.Open(cfg.DiskCache)
		if err != nil {
			return nil, nil, fmt.Errorf("forge: open disk cache: %w", err)
		}
		closers = append(closers, func() { db.Close() })
		localCAS = sqlitecache.NewCAS(db)
		localAC = sqlitecache.NewActionCache(db)
	} else {
		localCAS = cache.NewMemCAS()
		localAC = cache.NewMemActionCache()
	}

	cas := localCAS
	ac := localAC
	if cfg.RemoteCache != "" {
		client := remotecache.NewClient(cfg.RemoteCache)
		cas = &cache.TieredCAS{Local: localCAS, Remote: &remotecache.CASAdapter{Client: client}}
		ac = &cache.TieredActionCache{Local: localAC, Remote: &remotecache.ActionCacheAdapter{Client: client}}
	}

	// A running daemon's warm pool takes precedence as the worker backend,
	// so successive builds reuse workers the daemon already started.
	// Otherwise one in-process pool serves every worker-routed mnemonic,
	// with per-key sub-pools keeping unrelated worker kinds from competing
	// and per-instance rotated stderr logs under the exec root's
	// forge-workers directory.
	var backend strategy.WorkerBackend
	if cfg.DaemonDir != "" {
		client := daemon.NewClient(daemon.SocketPath(cfg.DaemonDir))
		if client.Ping(context.Background()) == nil {
			slog.Debug("using warm worker pool from daemon", "dir", cfg.DaemonDir)
			backend = client
		}
	}
	if backend == nil {
		pool := worker.NewPool(workerSpawner(cfg), filepath.Join(fs.Root().Abs(), "forge-workers"), func(worker.Key) worker.Limits {
			return worker.Limits{MaxTotal: cfg.Worker.MaxInstances}
		})
		if cfg.Worker.QuitAfterBuild {
			closers = append(closers, func() { pool.Shutdown(context.Background()) })
		}
		backend = pool
	}

	disp := strategy.NewDispatcher(namedStrategy(cfg, backend, cfg.SpawnStrategy))
	for _, route := range cfg.Strategies {
		disp.Register(route.Mnemonic, namedStrategy(cfg, backend, route.Strategy))
	}

	bus := eventbus.New()
	bus.Subscribe(eventbus.LogSubscriber{}, 64)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		// The human progress line is for interactive runs only; CI output
		// stays with the structured log stream.
		bus.Subscribe(eventbus.NewConsoleSubscriber(os.Stdout), 64)
	}

	if cfg.OTLPEndpoint != "" {
		provider, err := observability.NewProvider(context.Background(), cfg.OTLPEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("forge: setting up OTLP tracing at %s: %w", cfg.OTLPEndpoint, err)
		}
		closers = append(closers, func() { provider.Shutdown(context.Background()) })
		bus.Subscribe(observability.NewSubscriber(provider), 256)
	}

	engine := &scheduler.Engine{
		Graph:      graph,
		Factory:    factory,
		FS:         fs,
		Cache:      cache.NewCoordinator(ac),
		CAS:        cas,
		Resources:  resource.New(cfg.LocalResources),
		Strategies: disp,
		Bus:        bus,
		Jobs:       cfg.Jobs,
		KeepGoing:  cfg.KeepGoing,
	}
	return engine, closeAll, nil
}

func namedStrategy(cfg config.Config, backend strategy.WorkerBackend, name string) strategy.Strategy {
	switch name {
	case "sandbox":
		binds := make([]strategy.BindMount, 0, len(cfg.Sandbox.AddMountPairs))
		for src, dst := range cfg.Sandbox.AddMountPairs {
			binds = append(binds, strategy.BindMount{Source: src, Target: dst, ReadOnly: true})
		}
		return &strategy.Sandbox{
			Blocked:    cfg.Sandbox.BlockPaths,
			ExtraTmpfs: cfg.Sandbox.TmpfsPaths,
			Binds:      binds,
		}
	case "worker":
		return &strategy.Worker{Backend: backend, Sandboxed: cfg.Worker.Sandboxing}
	default:
		return &strategy.Standalone{}
	}
}

// workerSpawner launches a worker's persistent process straight from its
// Key's argv/env, the way Standalone launches a one-shot action: the
// engine has no separate "worker binary" concept beyond the argv the
// action description already names. Keys flagged sandboxed get their argv
// wrapped in a minimal bwrap invocation so the worker process sees its own
// user namespace and a private /tmp, matching the sandbox strategy's
// per-action isolation.
func workerSpawner(cfg config.Config) worker.Spawner {
	return func(ctx context.Context, key worker.Key) (*exec.Cmd, error) {
		if len(key.Argv) == 0 {
			return nil, fmt.Errorf("worker: empty argv for mnemonic %s", key.Mnemonic)
		}
		argv := key.Argv
		if key.Sandboxed {
			wrapped := []string{"bwrap", "--die-with-parent", "--tmpfs", "/tmp"}
			for _, p := range cfg.Sandbox.BlockPaths {
				wrapped = append(wrapped, "--tmpfs", p)
			}
			wrapped = append(wrapped, "--bind", "/", "/", "--")
			argv = append(wrapped, argv...)
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		env := make([]string, 0, len(key.Env))
		for k, v := range key.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
		return cmd, nil
	}
}
