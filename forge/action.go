package forge

import (
	"sort"
	"sync"

	"github.com/forgeworks/forge/digest"
)

// Kind tags which of the polymorphic action variants a given Action is:
// a flat set of tagged variants plus a small capability bundle instead of
// an inheritance hierarchy of action classes.
type Kind int

const (
	KindSpawn Kind = iota
	KindFileWrite
	KindSymlink
	KindTemplate
	KindParameterFile
	KindLTOBackend
	KindMiddleman
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "Spawn"
	case KindFileWrite:
		return "FileWrite"
	case KindSymlink:
		return "Symlink"
	case KindTemplate:
		return "Template"
	case KindParameterFile:
		return "ParameterFile"
	case KindLTOBackend:
		return "LTOBackend"
	case KindMiddleman:
		return "Middleman"
	default:
		return "Unknown"
	}
}

// InputDiscoverer is the capability an action opts into when its full input
// set cannot be known until partway through execution. Only LTOBackendAction implements it in this engine;
// type-asserting an Action for InputDiscoverer is the idiomatic way the
// scheduler detects the capability, per the "capability bundle" design note.
type InputDiscoverer interface {
	DiscoverInputs(discover func(execPath string) (Artifact, bool)) ([]Artifact, error)
}

// Action is the common interface every variant satisfies. It intentionally
// exposes only what the scheduler and strategies need to drive execution;
// variant-specific payloads (argv, file contents, ...) are reached by type
// switching on Kind() to the concrete struct (SpawnAction, FileWriteAction,
// ...), not through further interface methods.
type Action interface {
	Owner() ActionOwner
	Kind() Kind
	Mnemonic() string
	Tools() []Artifact
	Inputs() []Artifact
	Outputs() []Artifact
	DiscoversInputs() bool
	Resources() ResourceSet
	ProgressMessage() string
	Describe() string

	// Key returns the structural digest of this action: the mnemonic, the
	// output exec-paths, the input exec-paths of a non-discovering action,
	// and the variant's own payload. Input content, discovered inputs,
	// owner, tools and progress message are not part of it.
	// It is computed once and memoized.
	Key() digest.Digest
}

// Base is embedded by every concrete action variant. It owns the fields
// common to all variants and the memoized Key() computation; a variant only
// needs to set its extend func to add to the structural digest with
// variant-specific payload (argv, file content digest, template text...).
type Base struct {
	OwnerV           ActionOwner
	MnemonicV        string
	ToolsV           []Artifact
	InputsV          []Artifact
	OutputsV         []Artifact
	DiscoversInputsV bool
	ResourcesV       ResourceSet
	ProgressMessageV string

	keyOnce sync.Once
	keyVal  digest.Digest
	extend  func(*digest.Builder)
}

func (b *Base) Owner() ActionOwner      { return b.OwnerV }
func (b *Base) Mnemonic() string        { return b.MnemonicV }
func (b *Base) Tools() []Artifact       { return b.ToolsV }
func (b *Base) Inputs() []Artifact      { return b.InputsV }
func (b *Base) Outputs() []Artifact     { return b.OutputsV }
func (b *Base) DiscoversInputs() bool   { return b.DiscoversInputsV }
func (b *Base) Resources() ResourceSet  { return b.ResourcesV }
func (b *Base) ProgressMessage() string { return b.ProgressMessageV }

// Key lazily computes and caches the structural digest. Safe for concurrent
// use; multiple goroutines racing the first call block on the same
// sync.Once rather than recomputing.
func (b *Base) Key() digest.Digest {
	b.keyOnce.Do(func() {
		bld := digest.NewBuilder().AddString(b.MnemonicV)

		outPaths := make([]string, 0, len(b.OutputsV))
		for _, o := range b.OutputsV {
			outPaths = append(outPaths, o.ExecPath())
		}
		sort.Strings(outPaths)
		for _, p := range outPaths {
			bld.AddString(p)
		}

		if !b.DiscoversInputsV {
			// Non-discovering actions have a final input set at
			// construction time, so their exec-paths are part of the
			// static structural key too (content is folded in later by
			// ComputeActionKey once inputs are resolved).
			inPaths := make([]string, 0, len(b.InputsV))
			for _, in := range b.InputsV {
				inPaths = append(inPaths, in.ExecPath())
			}
			sort.Strings(inPaths)
			for _, p := range inPaths {
				bld.AddString(p)
			}
		}

		if b.extend != nil {
			b.extend(bld)
		}
		b.keyVal = bld.Sum()
	})
	return b.keyVal
}

// validate enforces the construction-time invariants every variant shares:
// a non-empty output set.
func (b *Base) validate() error {
	if len(b.OutputsV) == 0 {
		return errEmptyOutputs
	}
	return nil
}
