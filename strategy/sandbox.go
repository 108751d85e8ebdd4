package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgeworks/forge/engineerr"
	"github.com/forgeworks/forge/vfs"
)

// BindMount pairs a host path with the path it appears at inside the
// sandbox. Source and Target are frequently equal (bind a path onto
// itself to expose it unchanged).
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// bwrapFlags is the subset of bubblewrap's flag surface this strategy
// drives: a struct of flag-tagged fields fed through a reflection-based
// argv builder (flagArgs). bwrap is the unprivileged user-namespace
// sandbox this engine shells out to rather than mounting namespaces
// itself.
type bwrapFlags struct {
	UnshareNet    bool     `flag:"--unshare-net"`
	UnshareUser   bool     `flag:"--unshare-user"`
	UID           string   `flag:"--uid"`
	GID           string   `flag:"--gid"`
	Chdir         string   `flag:"--chdir"`
	DieWithParent bool     `flag:"--die-with-parent"`
	Tmpfs         []string `flag:"--tmpfs"`
}

// Sandbox runs a Spawn under a Linux user+mount namespace via bwrap,
// confining it to a declared set of writable paths, read-only bind
// mounts, and tmpfs-masked inaccessible paths, with the same
// SIGTERM-then-SIGKILL timeout handling as Standalone.
type Sandbox struct {
	Termination Standalone // reuses Standalone's Timeout/KillDelay fields and terminate logic
	BwrapPath   string     // defaults to "bwrap" on PATH

	// Writable lists absolute host paths bound read-write into the
	// sandbox at the same path.
	Writable []string
	// Blocked lists absolute paths masked with an empty tmpfs, hiding
	// their contents from the sandboxed process.
	Blocked []string
	// ExtraTmpfs lists additional tmpfs mount points beyond the implicit
	// /tmp every sandbox gets.
	ExtraTmpfs []string
	// Binds lists explicit bind-mount pairs, read-only unless noted.
	Binds []BindMount
	// NetworkIsolated, when true, gives the sandbox its own empty network
	// namespace.
	NetworkIsolated bool
	// MapRoot, when true, maps the sandboxed process to uid/gid 0 inside
	// its own user namespace without granting any host privilege.
	MapRoot bool
}

func (s *Sandbox) Execute(ctx context.Context, spawn Spawn, execRoot vfs.Path) (Result, error) {
	if len(spawn.Argv) == 0 {
		return Result{}, fmt.Errorf("strategy: sandbox spawn action %s has an empty argv", spawn.Mnemonic)
	}

	sandboxRoot := execRoot.GetChild(spawn.WorkDir).Abs()
	for _, p := range s.Writable {
		if !filepath.IsAbs(p) {
			return Result{}, engineerr.Invariant("sandbox-writable-path-absolute",
				fmt.Errorf("strategy: writable path %q is not absolute", p))
		}
	}
	for _, p := range s.Blocked {
		if !filepath.IsAbs(p) {
			return Result{}, engineerr.Invariant("sandbox-blocked-path-absolute",
				fmt.Errorf("strategy: blocked path %q is not absolute", p))
		}
	}
	for _, b := range s.Binds {
		if b.Target != sandboxRoot && !strings.HasPrefix(b.Target, sandboxRoot+string(filepath.Separator)) {
			return Result{}, engineerr.Invariant("sandbox-bind-target-within-sandbox-root",
				fmt.Errorf("strategy: bind target %q is not under the sandbox work dir %q", b.Target, sandboxRoot))
		}
	}

	argv, err := s.argv(spawn, execRoot)
	if err != nil {
		return Result{}, err
	}

	standalone := s.Termination
	return standalone.Execute(ctx, Spawn{
		Mnemonic:  spawn.Mnemonic,
		Argv:      argv,
		Env:       spawn.Env,
		ClientEnv: spawn.ClientEnv,
		WorkDir:   "", // bwrap's --chdir below handles in-sandbox cwd; the wrapper itself runs from execRoot
		Stdin:     spawn.Stdin,
	}, execRoot)
}

// argv assembles the bwrap invocation: flag-driven namespace options,
// bind mounts (writable allowlist, explicit binds, implicit /tmp plus any
// extra tmpfs mounts), tmpfs masks over blocked paths, then "--" and the
// action's own argv. @file-prefixed arguments are expanded one argument
// per non-empty line, the response-file convention toolchains use for
// argv lists too long for a single exec call.
func (s *Sandbox) argv(spawn Spawn, execRoot vfs.Path) ([]string, error) {
	bin := s.BwrapPath
	if bin == "" {
		bin = "bwrap"
	}

	flags := bwrapFlags{
		UnshareNet:    s.NetworkIsolated,
		UnshareUser:   s.MapRoot,
		DieWithParent: true,
		Chdir:         sandboxChdir(execRoot, spawn.WorkDir),
	}
	if s.MapRoot {
		flags.UID, flags.GID = "0", "0"
	}
	tmpfs := append([]string{"/tmp"}, s.ExtraTmpfs...)
	flags.Tmpfs = tmpfs

	args := []string{}
	args = append(args, flagArgs(flags)...)

	binds := make([]BindMount, 0, len(s.Writable)+len(s.Binds))
	binds = append(binds, BindMount{Source: "/", Target: "/", ReadOnly: true})
	for _, p := range s.Writable {
		binds = append(binds, BindMount{Source: p, Target: p, ReadOnly: false})
	}
	binds = append(binds, s.Binds...)
	args = append(args, bindArgs(binds)...)

	for _, p := range s.Blocked {
		args = append(args, "--tmpfs", p)
	}

	args = append(args, "--")
	expanded, err := expandArgfiles(spawn.Argv)
	if err != nil {
		return nil, err
	}
	args = append(args, expanded...)

	return append([]string{bin}, args...), nil
}

func sandboxChdir(execRoot vfs.Path, workDir string) string {
	return execRoot.GetChild(workDir).Abs()
}

// expandArgfiles replaces any "@path" argument with the non-empty lines of
// the file at path, one argument per line, in place. Used by toolchains
// whose full argv would otherwise exceed exec's argument-length limit.
func expandArgfiles(argv []string) ([]string, error) {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if !strings.HasPrefix(a, "@") {
			out = append(out, a)
			continue
		}
		path := strings.TrimPrefix(a, "@")
		data, err := readArgfile(path)
		if err != nil {
			return nil, fmt.Errorf("strategy: expand %s: %w", a, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			out = append(out, line)
		}
	}
	return out, nil
}

// readArgfile is a var so tests can substitute an in-memory source instead
// of touching disk.
var readArgfile = os.ReadFile
