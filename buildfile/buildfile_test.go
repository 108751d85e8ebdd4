package buildfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgeworks/forge/query"
)

const sample = `{
  "packages": {
    "//app": {
      "targets": {
        "mid": {"mnemonic": "Cat", "argv": ["src.txt", "mid.o"], "inputs": ["src.txt"], "outputs": ["mid.o"]},
        "out": {"deps": ["//app:mid"], "mnemonic": "Cat", "argv": ["mid.o", "out.bin"], "outputs": ["out.bin"]}
      }
    }
  }
}`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "build.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAndBuildGraph(t *testing.T) {
	path := writeSample(t)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, _, outs, err := f.BuildGraph([]query.Label{"//app:out"})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("len(outs) = %d, want 1", len(outs))
	}
}

func TestProviderExpandsAcrossLoader(t *testing.T) {
	path := writeSample(t)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loader := query.NewLoader(f.Provider(), nil, nil)
	g, err := loader.Load(context.Background(), []string{"//app:out"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	target, ok := g.Get("//app:out")
	if !ok {
		t.Fatalf("missing //app:out target")
	}
	if len(target.Deps) != 1 || target.Deps[0] != "//app:mid" {
		t.Fatalf("deps = %v, want [//app:mid]", target.Deps)
	}
}

func TestLookupMissingTargetErrors(t *testing.T) {
	path := writeSample(t)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, _, err := f.BuildGraph([]query.Label{"//app:nope"}); err == nil {
		t.Fatalf("expected error for missing target")
	}
}
