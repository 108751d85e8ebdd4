// Package config represents the engine-wide configuration the CLI parses
// and the scheduler/strategies/worker pool consume: jobs, resource
// totals, strategy routing, worker pool sizing, sandbox mount policy, and
// cache addresses.
//
// Precedence is flags > project config file (forge.yaml) > built-in
// defaults. The project file is discovered through kong's Configuration
// resolver with `github.com/alecthomas/kong-yaml`, matching this
// codebase's existing `gopkg.in/yaml.v3` dependency rather than
// introducing JSON just to reuse kong's bundled loader.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/forge"
)

// StrategyRoute pins one action mnemonic to a named strategy
// (`--strategy=<mnemonic>=<name>`).
type StrategyRoute struct {
	Mnemonic string `yaml:"mnemonic"`
	Strategy string `yaml:"strategy"`
}

// WorkerConfig configures the persistent worker pool.
type WorkerConfig struct {
	MaxInstances   int  `yaml:"max_instances"`
	QuitAfterBuild bool `yaml:"quit_after_build"`
	Sandboxing     bool `yaml:"sandboxing"`
	Verbose        bool `yaml:"verbose"`
}

// SandboxConfig configures the Linux namespace sandbox strategy.
type SandboxConfig struct {
	BlockPaths    []string          `yaml:"block_path"`
	TmpfsPaths    []string          `yaml:"tmpfs_path"`
	AddMountPairs map[string]string `yaml:"add_mount_pair"`
}

// Config is the engine-wide configuration loaded once at CLI startup and
// threaded through the constructed Engine (never read from a global).
type Config struct {
	Jobs           int                      `yaml:"jobs"`
	LocalResources forge.ResourceSet        `yaml:"local_resources"`
	KeepGoing      bool                     `yaml:"keep_going"`
	Strategies     []StrategyRoute          `yaml:"strategy"`
	SpawnStrategy  string                   `yaml:"spawn_strategy"`
	Worker         WorkerConfig             `yaml:"worker"`
	Sandbox        SandboxConfig            `yaml:"sandbox"`
	DaemonDir      string                   `yaml:"daemon_dir"`
	DiskCache      string                   `yaml:"disk_cache"`
	RemoteCache    string                   `yaml:"remote_cache"`
	LogLevel       string                   `yaml:"log_level"`
	OTLPEndpoint   string                   `yaml:"otlp_endpoint"`
}

// Default returns the engine's built-in defaults, used when no project
// config file is present (the loader never panics on a missing/partial
// file).
func Default() Config {
	return Config{
		Jobs:          0, // 0 => scheduler falls back to runtime.NumCPU()
		SpawnStrategy: "standalone",
		KeepGoing:     false,
		Worker: WorkerConfig{
			MaxInstances: 4,
		},
		// Builds probe this directory's socket and reuse a running
		// daemon's warm worker pool when one answers.
		DaemonDir: "/tmp/forge-daemon",
		LogLevel:  "info",
	}
}

// Load reads forge.yaml at path, merging it onto the built-in defaults.
// A missing file is not an error; the project config file is optional.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// StrategyFor resolves the configured strategy name for mnemonic, falling
// back to SpawnStrategy when no per-mnemonic route matches. When several
// routes name the same mnemonic the last one wins, as it does when the
// routes are registered on a strategy.Dispatcher in order.
func (c Config) StrategyFor(mnemonic string) string {
	for i := len(c.Strategies) - 1; i >= 0; i-- {
		if r := c.Strategies[i]; r.Mnemonic == mnemonic {
			return r.Strategy
		}
	}
	return c.SpawnStrategy
}
