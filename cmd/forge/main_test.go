package main

import (
	"testing"

	"github.com/forgeworks/forge"
	"github.com/forgeworks/forge/config"
)

func TestParseLocalResources(t *testing.T) {
	got, err := parseLocalResources("2000,2,1")
	if err != nil {
		t.Fatalf("parseLocalResources: %v", err)
	}
	want := forge.ResourceSet{MemoryMB: 2000, CPU: 2, IOShare: 1}
	if got != want {
		t.Fatalf("parseLocalResources = %+v, want %+v", got, want)
	}

	got, err = parseLocalResources("4096,8,1,4")
	if err != nil {
		t.Fatalf("parseLocalResources with test slots: %v", err)
	}
	if got.TestSlots != 4 {
		t.Fatalf("TestSlots = %v, want 4", got.TestSlots)
	}

	for _, bad := range []string{"", "2000", "2000,2", "a,b,c", "1,2,3,4,5", "-1,2,3"} {
		if _, err := parseLocalResources(bad); err == nil {
			t.Fatalf("expected parseLocalResources(%q) to fail", bad)
		}
	}
}

func TestCLIFlagsOverrideConfigFile(t *testing.T) {
	cfg := config.Default()
	cfg.Jobs = 4
	cfg.SpawnStrategy = "standalone"

	cli := CLI{
		Jobs:           8,
		LocalResources: "1000,1,1",
		SpawnStrategy:  "sandbox",
		Strategy:       map[string]string{"Javac": "worker"},
		LogLevel:       "info",
	}
	if err := cli.applyTo(&cfg); err != nil {
		t.Fatalf("applyTo: %v", err)
	}

	if cfg.Jobs != 8 || cfg.SpawnStrategy != "sandbox" {
		t.Fatalf("flags did not override config: %+v", cfg)
	}
	if cfg.LocalResources.MemoryMB != 1000 {
		t.Fatalf("LocalResources not applied: %+v", cfg.LocalResources)
	}
	if cfg.StrategyFor("Javac") != "worker" {
		t.Fatalf("strategy route not applied: %+v", cfg.Strategies)
	}
	if cfg.StrategyFor("CC") != "sandbox" {
		t.Fatalf("unrouted mnemonic should fall back to spawn strategy, got %q", cfg.StrategyFor("CC"))
	}
}

func TestQueryParserParsesOperatorsAndFunctions(t *testing.T) {
	expr, patterns, err := parseQuery("deps(//a:a) + //b:* - somepath(//a:a, //a:c)")
	if err != nil {
		t.Fatalf("parseQuery: %v", err)
	}
	if expr == nil {
		t.Fatalf("expected a non-nil expression")
	}
	if len(patterns) != 3 {
		t.Fatalf("patterns = %v, want 3 referenced patterns", patterns)
	}
}

func TestQueryParserRejectsTrailingGarbage(t *testing.T) {
	if _, _, err := parseQuery("//a:a )"); err == nil {
		t.Fatalf("expected an error for trailing input")
	}
}
