package strategy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/forgeworks/forge/vfs"
)

// Standalone runs a Spawn as a direct child process, wrapped in a
// process-group guard so the whole child tree is reaped on timeout:
// SIGTERM after the per-spawn deadline, SIGKILL after the grace delay.
type Standalone struct {
	Timeout   time.Duration
	KillDelay time.Duration
}

func (s *Standalone) Execute(ctx context.Context, spawn Spawn, execRoot vfs.Path) (Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	if len(spawn.Argv) == 0 {
		return Result{}, fmt.Errorf("strategy: spawn action %s has an empty argv", spawn.Mnemonic)
	}
	cmd := exec.Command(spawn.Argv[0], spawn.Argv[1:]...)
	cmd.Dir = execRoot.GetChild(spawn.WorkDir).Abs()
	cmd.Env = augmentEnv(spawn.Env, spawn.ClientEnv)
	if len(spawn.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spawn.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Setpgid so the kill-delay below reaps every descendant the child
	// spawned, not just the direct child; a no-op on Windows.
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("strategy: start %s: %w", spawn.Argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return result(cmd, stdout.Bytes(), stderr.Bytes(), err)
	case <-ctx.Done():
		s.terminate(cmd)
		<-done
		return Result{}, fmt.Errorf("strategy: %s: %w", spawn.Mnemonic, ctx.Err())
	}
}

// terminate sends SIGTERM to the process group, then SIGKILL after
// KillDelay if it hasn't exited. On Windows, where there is no process
// group, it kills only the direct child.
func (s *Standalone) terminate(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" || cmd.Process == nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)
	delay := s.KillDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	time.AfterFunc(delay, func() { syscall.Kill(pgid, syscall.SIGKILL) })
}

func result(cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (Result, error) {
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, waitErr
		}
	}
	return Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// augmentEnv clears the process environment and re-populates it from the
// action's declared env plus the named client-environment passthrough
// variables, then layers in host-derived defaults (PATH, LD_LIBRARY_PATH,
// TMPDIR, and macOS toolchain variables when present) so a hermetic action
// still finds a working host toolchain.
func augmentEnv(env map[string]string, clientEnv []string) []string {
	merged := make(map[string]string, len(env)+len(clientEnv)+4)
	for k, v := range env {
		merged[k] = v
	}
	for _, name := range clientEnv {
		if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}
	for _, name := range []string{"PATH", "LD_LIBRARY_PATH", "TMPDIR", "DEVELOPER_DIR", "SDKROOT"} {
		if _, set := merged[name]; set {
			continue
		}
		if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
