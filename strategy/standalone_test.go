package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/forgeworks/forge/vfs"
)

func execRoot(t *testing.T) vfs.Path {
	t.Helper()
	return vfs.NewPath(vfs.NewOSFileSystem(t.TempDir()), "")
}

func TestStandaloneCapturesStdoutAndExitCode(t *testing.T) {
	s := &Standalone{}
	spawn := Spawn{Mnemonic: "Echo", Argv: []string{"sh", "-c", "echo hello"}, ClientEnv: []string{"PATH"}}

	res, err := s.Execute(context.Background(), spawn, execRoot(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if string(res.Stdout) != "hello\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
}

func TestStandaloneReportsNonZeroExitCode(t *testing.T) {
	s := &Standalone{}
	spawn := Spawn{Mnemonic: "Fail", Argv: []string{"sh", "-c", "exit 3"}, ClientEnv: []string{"PATH"}}

	res, err := s.Execute(context.Background(), spawn, execRoot(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestStandaloneFeedsStdin(t *testing.T) {
	s := &Standalone{}
	spawn := Spawn{Mnemonic: "Cat", Argv: []string{"cat"}, ClientEnv: []string{"PATH"}, Stdin: []byte("from stdin")}

	res, err := s.Execute(context.Background(), spawn, execRoot(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Stdout) != "from stdin" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "from stdin")
	}
}

func TestStandaloneTimeoutKillsProcess(t *testing.T) {
	s := &Standalone{Timeout: 50 * time.Millisecond, KillDelay: 20 * time.Millisecond}
	spawn := Spawn{Mnemonic: "Sleep", Argv: []string{"sh", "-c", "sleep 5"}, ClientEnv: []string{"PATH"}}

	start := time.Now()
	_, err := s.Execute(context.Background(), spawn, execRoot(t))
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Execute took %s, expected termination well under the 5s sleep", elapsed)
	}
}

func TestStandaloneRunsInDeclaredWorkDir(t *testing.T) {
	root := execRoot(t)
	sub := root.GetChild("pkg")
	if err := sub.CreateDirectoryAndParents(); err != nil {
		t.Fatalf("CreateDirectoryAndParents: %v", err)
	}

	s := &Standalone{}
	spawn := Spawn{Mnemonic: "Pwd", Argv: []string{"sh", "-c", "pwd"}, WorkDir: "pkg", ClientEnv: []string{"PATH"}}

	res, err := s.Execute(context.Background(), spawn, root)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := sub.Abs() + "\n"
	if string(res.Stdout) != want {
		t.Fatalf("pwd = %q, want %q", res.Stdout, want)
	}
}

func TestStandaloneRejectsEmptyArgv(t *testing.T) {
	s := &Standalone{}
	spawn := Spawn{Mnemonic: "Empty"}

	if _, err := s.Execute(context.Background(), spawn, execRoot(t)); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}
