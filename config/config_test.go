package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if cfg.SpawnStrategy != "standalone" {
		t.Fatalf("SpawnStrategy = %q, want default %q", cfg.SpawnStrategy, "standalone")
	}
}

func TestLoadMergesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	content := "jobs: 8\nkeep_going: true\nspawn_strategy: sandbox\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs != 8 || !cfg.KeepGoing || cfg.SpawnStrategy != "sandbox" {
		t.Fatalf("Load did not merge YAML fields: %+v", cfg)
	}
}

func TestStrategyForFallsBackToSpawnStrategy(t *testing.T) {
	cfg := Default()
	cfg.SpawnStrategy = "standalone"
	cfg.Strategies = []StrategyRoute{{Mnemonic: "Javac", Strategy: "worker"}}
	if got := cfg.StrategyFor("Javac"); got != "worker" {
		t.Fatalf("StrategyFor(Javac) = %q, want worker", got)
	}
	if got := cfg.StrategyFor("CppCompile"); got != "standalone" {
		t.Fatalf("StrategyFor(CppCompile) = %q, want standalone fallback", got)
	}
}
