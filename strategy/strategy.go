// Package strategy implements the action execution strategies:
// standalone process spawn, Linux namespace sandboxing, and dispatch
// into the persistent worker pool. Dispatch is by action mnemonic via a
// map with a fallback strategy.
package strategy

import (
	"context"

	"github.com/forgeworks/forge/digest"
	"github.com/forgeworks/forge/vfs"
)

// Result is the outcome of running one Spawn action.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Spawn is the subset of a forge.SpawnAction a strategy needs to execute;
// kept as a plain struct (rather than importing forge.SpawnAction
// directly) so strategy has no dependency on the action-graph package and
// can be unit tested against hand-built values.
type Spawn struct {
	Mnemonic  string
	Argv      []string
	Env       map[string]string
	ClientEnv []string
	WorkDir   string // exec-root-relative
	Stdin     []byte

	// Inputs maps each input's exec-path to its content digest (hex),
	// already computed by the scheduler. Only
	// the Worker strategy forwards this to the wire protocol; Standalone
	// and Sandbox re-derive correctness from the filesystem they already
	// materialize into.
	Inputs map[string]string

	// ToolsDigest and Sandboxed only matter to the Worker strategy: they
	// feed worker.Key's fungibility tuple so a toolchain change
	// or a change in sandbox policy forces a fresh worker instead of
	// reusing a stale one.
	ToolsDigest digest.Digest
	Sandboxed   bool
}

// Strategy executes one Spawn inside execRoot (the concrete on-disk
// location actions read and write under).
type Strategy interface {
	Execute(ctx context.Context, spawn Spawn, execRoot vfs.Path) (Result, error)
}

// Dispatcher routes a Spawn to a Strategy by mnemonic, falling back to a
// default when no mnemonic-specific strategy is registered.
type Dispatcher struct {
	byMnemonic map[string]Strategy
	fallback   Strategy
}

func NewDispatcher(fallback Strategy) *Dispatcher {
	return &Dispatcher{byMnemonic: map[string]Strategy{}, fallback: fallback}
}

func (d *Dispatcher) Register(mnemonic string, s Strategy) {
	d.byMnemonic[mnemonic] = s
}

func (d *Dispatcher) Execute(ctx context.Context, spawn Spawn, execRoot vfs.Path) (Result, error) {
	if s, ok := d.byMnemonic[spawn.Mnemonic]; ok {
		return s.Execute(ctx, spawn, execRoot)
	}
	return d.fallback.Execute(ctx, spawn, execRoot)
}
