package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeworks/forge/daemon"
	"github.com/forgeworks/forge/worker"
)

// DaemonCmd starts, stops, or reports on the persistent worker daemon.
// While a daemon is running, build and test route their worker spawns to
// its pool over the control socket, so workers stay warm across CLI
// invocations instead of being respawned per build.
type DaemonCmd struct {
	BaseDir string `placeholder:"<dir>" help:"directory holding the daemon's socket and lock file (defaults to daemon_dir from config)"`
	Action  string `arg:"" optional:"" default:"status" enum:"start,stop,status" help:"start, stop, or report daemon status"`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	baseDir := c.BaseDir
	if baseDir == "" {
		baseDir = cctx.Config.DaemonDir
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}
	client := daemon.NewClient(daemon.SocketPath(baseDir))

	switch c.Action {
	case "start":
		if err := client.Ping(ctx); err == nil {
			fmt.Println("daemon already running")
			return nil
		}
		pool := worker.NewPool(workerSpawner(cctx.Config), filepath.Join(baseDir, "forge-workers"), func(worker.Key) worker.Limits {
			return worker.Limits{MaxTotal: cctx.Config.Worker.MaxInstances}
		})
		d := daemon.New(baseDir, pool)
		fmt.Printf("forge daemon listening on %s\n", d.SocketPath)
		return d.ServeUnix(ctx)
	case "stop":
		if err := client.Shutdown(ctx); err != nil {
			fmt.Println("daemon is not running")
			return nil
		}
		fmt.Println("daemon stopped")
		return nil
	default:
		stats, err := client.Stats(ctx)
		if err != nil {
			fmt.Println("daemon is not running")
			return nil
		}
		fmt.Printf("daemon is running (pid %d): %d workers live, %d idle, %d worker keys\n",
			stats.PID, stats.Total, stats.Idle, stats.Keys)
		return nil
	}
}
