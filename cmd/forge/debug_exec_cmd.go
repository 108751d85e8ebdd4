package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// DebugExecCmd runs a single interactive command under a pty, the
// standalone strategy's escape hatch for attaching to one action's
// process tree by hand, grounded in
// the container tooling's Interactive/TTY process options, generalized
// here from a container-scoped TTY to a single local process.
type DebugExecCmd struct {
	Argv []string `arg:"" help:"command and arguments to run interactively under a pty"`
}

func (c *DebugExecCmd) Run(cctx *Context) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("forge: debug-exec: no command given")
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("forge: debug-exec: starting %v under pty: %w", c.Argv, err)
	}
	defer ptmx.Close()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if size, err := pty.GetsizeFull(os.Stdin); err == nil {
				pty.Setsize(ptmx, size)
			}
		}
	}()
	winch <- syscall.SIGWINCH // prime the initial size

	fd := int(os.Stdin.Fd())
	var oldState *term.State
	if term.IsTerminal(fd) {
		oldState, err = term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}

	go io.Copy(ptmx, os.Stdin)
	go io.Copy(os.Stdout, ptmx)

	return cmd.Wait()
}
