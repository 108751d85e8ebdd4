package strategy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/forgeworks/forge/vfs"
)

func sandboxArgv(t *testing.T, s *Sandbox, spawn Spawn, root vfs.Path) []string {
	t.Helper()
	argv, err := s.argv(spawn, root)
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	return argv
}

func TestSandboxArgvAlwaysMountsTmpfsOnTmp(t *testing.T) {
	root := execRoot(t)
	s := &Sandbox{}
	argv := sandboxArgv(t, s, Spawn{Mnemonic: "CC", Argv: []string{"cc", "-c", "a.c"}}, root)

	if argv[0] != "bwrap" {
		t.Fatalf("argv[0] = %q, want bwrap", argv[0])
	}
	if !containsPair(argv, "--tmpfs", "/tmp") {
		t.Fatalf("expected implicit --tmpfs /tmp in %v", argv)
	}
}

func TestSandboxArgvMasksBlockedPaths(t *testing.T) {
	root := execRoot(t)
	s := &Sandbox{Blocked: []string{"/etc/secrets", "/home"}}
	argv := sandboxArgv(t, s, Spawn{Mnemonic: "CC", Argv: []string{"true"}}, root)

	for _, p := range s.Blocked {
		if !containsPair(argv, "--tmpfs", p) {
			t.Fatalf("expected --tmpfs %s masking blocked path in %v", p, argv)
		}
	}
}

func TestSandboxArgvBindsWritablePathsReadWrite(t *testing.T) {
	root := execRoot(t)
	out := root.GetChild("out").Abs()
	s := &Sandbox{Writable: []string{out}}
	argv := sandboxArgv(t, s, Spawn{Mnemonic: "CC", Argv: []string{"true"}}, root)

	idx := slices.Index(argv, "--bind")
	for idx >= 0 && idx+2 < len(argv) {
		if argv[idx+1] == out && argv[idx+2] == out {
			return
		}
		next := slices.Index(argv[idx+1:], "--bind")
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	t.Fatalf("expected --bind %s %s in %v", out, out, argv)
}

func TestSandboxArgvEndsWithCommandAfterSeparator(t *testing.T) {
	root := execRoot(t)
	s := &Sandbox{}
	argv := sandboxArgv(t, s, Spawn{Mnemonic: "CC", Argv: []string{"cc", "-o", "a.o"}}, root)

	sep := slices.Index(argv, "--")
	if sep < 0 {
		t.Fatalf("expected -- separator in %v", argv)
	}
	got := argv[sep+1:]
	if !slices.Equal(got, []string{"cc", "-o", "a.o"}) {
		t.Fatalf("command after -- = %v, want [cc -o a.o]", got)
	}
}

func TestSandboxRejectsRelativeWritablePath(t *testing.T) {
	root := execRoot(t)
	s := &Sandbox{Writable: []string{"out/gen"}}

	_, err := s.Execute(context.Background(), Spawn{Mnemonic: "CC", Argv: []string{"true"}}, root)
	if err == nil {
		t.Fatalf("expected an error for a relative writable path")
	}
}

func TestSandboxRejectsRelativeBlockedPath(t *testing.T) {
	root := execRoot(t)
	s := &Sandbox{Blocked: []string{"etc/secrets"}}

	_, err := s.Execute(context.Background(), Spawn{Mnemonic: "CC", Argv: []string{"true"}}, root)
	if err == nil {
		t.Fatalf("expected an error for a relative blocked path")
	}
}

func TestSandboxRejectsBindTargetOutsideSandboxRoot(t *testing.T) {
	root := execRoot(t)
	s := &Sandbox{Binds: []BindMount{{Source: "/usr/lib", Target: "/usr/lib", ReadOnly: true}}}

	_, err := s.Execute(context.Background(), Spawn{Mnemonic: "CC", Argv: []string{"true"}, WorkDir: "box"}, root)
	if err == nil {
		t.Fatalf("expected an error for a bind target escaping the sandbox work dir")
	}
}

func TestExpandArgfiles(t *testing.T) {
	files := map[string]string{
		"flags.rsp": "-O2\n-Wall\n\n-c\n",
	}
	orig := readArgfile
	readArgfile = func(path string) ([]byte, error) {
		data, ok := files[path]
		if !ok {
			return nil, fmt.Errorf("no such file %s", path)
		}
		return []byte(data), nil
	}
	defer func() { readArgfile = orig }()

	got, err := expandArgfiles([]string{"cc", "@flags.rsp", "main.c"})
	if err != nil {
		t.Fatalf("expandArgfiles: %v", err)
	}
	want := []string{"cc", "-O2", "-Wall", "-c", "main.c"}
	if !slices.Equal(got, want) {
		t.Fatalf("expanded argv = %v, want %v", got, want)
	}

	if _, err := expandArgfiles([]string{"@missing.rsp"}); err == nil {
		t.Fatalf("expected an error expanding a missing argfile")
	}
}

func containsPair(argv []string, flag, value string) bool {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == flag && argv[i+1] == value {
			return true
		}
	}
	return false
}

func TestFlagArgsSkipsZeroFields(t *testing.T) {
	flags := bwrapFlags{DieWithParent: true, Chdir: "/work"}
	got := flagArgs(flags)

	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "--die-with-parent") || !strings.Contains(joined, "--chdir /work") {
		t.Fatalf("flagArgs = %v, want --die-with-parent and --chdir /work", got)
	}
	if strings.Contains(joined, "--unshare-net") || strings.Contains(joined, "--uid") {
		t.Fatalf("flagArgs emitted zero-valued flags: %v", got)
	}
}
