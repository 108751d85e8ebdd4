package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Spawner starts the long-lived child process for a Key. The CLI supplies
// this (cmd/forge's workerSpawner), wrapping argv in a bwrap invocation
// for a Key flagged sandboxed before returning an *exec.Cmd, so the pool
// never needs to know whether a given key is sandboxed beyond the flag
// already folded into Key.
type Spawner func(ctx context.Context, key Key) (*exec.Cmd, error)

// Worker is one live persistent child process.
type Worker struct {
	Name string
	Key  Key

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	log    *lumberjack.Logger
	exited chan struct{} // closed by the reaper once the child's exit status is collected

	mu   sync.Mutex // serializes requests to this worker; one in flight at a time
	dead bool
}

func spawn(ctx context.Context, key Key, spawner Spawner, logDir string, name string) (*Worker, error) {
	cmd, err := spawner(ctx, key)
	if err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}

	var logger *lumberjack.Logger
	if logDir != "" {
		logger = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, name+".log"),
			MaxSize:    10, // MB
			MaxBackups: 3,
			Compress:   true,
		}
		cmd.Stderr = logger
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", key.Mnemonic, err)
	}

	slog.InfoContext(ctx, "worker spawned", "name", name, "mnemonic", key.Mnemonic, "pid", cmd.Process.Pid)

	w := &Worker{
		Name:   name,
		Key:    key,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		log:    logger,
		exited: make(chan struct{}),
	}

	// The reaper collects the child's exit status the moment it dies, so a
	// worker that exits silently while idle fails the next Alive check
	// instead of surviving until a request's frame write errors out.
	go func() {
		w.cmd.Wait()
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		close(w.exited)
	}()

	return w, nil
}

// Alive performs a non-destructive liveness check: the reaper has not yet
// observed the child's exit. It does not send a signal, so it is safe to
// call while a request may be in flight.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// Do sends req to the worker and waits for its response, serializing
// against any other in-flight request on this same worker.
func (w *Worker) Do(ctx context.Context, req WorkRequest) (WorkResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return WorkResponse{}, fmt.Errorf("worker: %s is dead", w.Name)
	}
	if err := writeFrame(w.stdin, req); err != nil {
		w.dead = true
		return WorkResponse{}, fmt.Errorf("worker: write request to %s: %w", w.Name, err)
	}
	var resp WorkResponse
	if err := readFrame(w.stdout, &resp); err != nil {
		w.dead = true
		return WorkResponse{}, fmt.Errorf("worker: read response from %s: %w", w.Name, err)
	}
	if req.WorkID != "" && resp.WorkID != req.WorkID {
		w.dead = true
		return WorkResponse{}, fmt.Errorf("worker: %s answered work id %s for request %s, desynced", w.Name, resp.WorkID, req.WorkID)
	}
	return resp, nil
}

// Stop terminates the worker process and closes its pipes, waiting for the
// reaper to collect the exit status before returning.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	w.dead = true
	w.stdin.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.mu.Unlock()
	<-w.exited
	if w.log != nil {
		w.log.Close()
	}
	slog.InfoContext(ctx, "worker stopped", "name", w.Name, "mnemonic", w.Key.Mnemonic)
}

var nameGen = namegenerator.NewNameGenerator(time.Now().UnixNano())

func friendlyName() string { return nameGen.Generate() }
