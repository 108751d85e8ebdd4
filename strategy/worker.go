package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/vfs"
	"github.com/forgeworks/forge/worker"
)

// WorkerBackend executes one unit of work against a persistent worker
// fungible with key. The in-process worker.Pool is the usual backend; a
// daemon.Client satisfies the same contract by routing the call to a
// long-lived daemon's warm pool over its control socket, so successive
// builds reuse workers the daemon already paid to start.
type WorkerBackend interface {
	Work(ctx context.Context, key worker.Key, req worker.WorkRequest) (worker.WorkResponse, error)
}

// Worker dispatches a Spawn to a persistent worker backend instead of
// spawning a fresh process per action: one WorkRequest per Spawn, served by
// a worker fungible with the Spawn's key. The backend owns borrow/return
// and replaces a worker that dies mid-request.
type Worker struct {
	Backend WorkerBackend

	// Sandboxed marks every worker requested through this strategy as
	// sandboxed in its fungibility key (the --worker-sandboxing flag): a
	// sandboxed and an unsandboxed worker are never interchangeable even
	// when everything else about their keys matches.
	Sandboxed bool
}

func (s *Worker) Execute(ctx context.Context, spawn Spawn, execRoot vfs.Path) (Result, error) {
	key := worker.Key{
		Mnemonic:    spawn.Mnemonic,
		Argv:        spawn.Argv,
		Env:         spawn.Env,
		ToolsDigest: spawn.ToolsDigest,
		Sandboxed:   s.Sandboxed || spawn.Sandboxed,
	}

	resp, err := s.Backend.Work(ctx, key, worker.WorkRequest{
		WorkID:  uuid.NewString(),
		Argv:    spawn.Argv,
		Inputs:  spawn.Inputs,
		WorkDir: spawn.WorkDir,
	})
	if err != nil {
		return Result{}, fmt.Errorf("strategy: worker %s request failed: %w", spawn.Mnemonic, err)
	}

	// The worker reports combined stdout+stderr as one stream
	// (worker.WorkResponse.Output); attributing it all to Stderr lets a failing
	// exit code surface the output through the scheduler's error message
	// without discarding it when Stdout is what a caller inspects on success.
	if resp.ExitCode != 0 {
		return Result{ExitCode: resp.ExitCode, Stderr: []byte(resp.Output)}, nil
	}
	return Result{ExitCode: resp.ExitCode, Stdout: []byte(resp.Output)}, nil
}
