// Package forge implements the execution engine's action-graph and artifact
// model: the data types the scheduler (package scheduler) drives and the
// strategies (package strategy) consume.
package forge

import "github.com/forgeworks/forge/vfs"

// Root distinguishes where an artifact's bytes originate.
type Root int

const (
	// SourceRoot artifacts live in the workspace and are never produced by
	// an action.
	SourceRoot Root = iota
	// DerivedRoot artifacts are produced by exactly one action (the
	// unique-producer invariant) and live under the exec root's
	// output tree.
	DerivedRoot
)

// Label is an opaque build-target identifier used purely for provenance and
// diagnostics; the engine never parses or interprets it.
type Label string

// ArtifactID is an opaque interned handle returned by an ArtifactFactory.
// Equality of ArtifactID is equality of (root, exec-path).
type ArtifactID int32

// Artifact is a typed handle to a file or directory tracked by the build
// graph. Once constructed it is immutable; the generating-action relation
// is intentionally NOT a field here (it lives in the ActionGraph) so that
// constructing an Artifact never requires already knowing its producer.
type Artifact struct {
	id       ArtifactID
	root     Root
	execPath string // exec-root-relative, slash-separated
	owner    Label
	tree     bool // names a directory of unknown-at-analysis-time contents
}

// ID returns the interned identity of this artifact.
func (a Artifact) ID() ArtifactID { return a.id }

// Root reports whether this is a source or derived artifact.
func (a Artifact) Root() Root { return a.root }

// ExecPath is the artifact's path relative to the exec root.
func (a Artifact) ExecPath() string { return a.execPath }

// Owner is the label that introduced this artifact, for diagnostics.
func (a Artifact) Owner() Label { return a.owner }

// IsTreeArtifact reports whether this artifact names a directory whose
// contents are only known by expansion at execution time.
func (a Artifact) IsTreeArtifact() bool { return a.tree }

// IsSource reports whether this artifact has no generating action.
func (a Artifact) IsSource() bool { return a.root == SourceRoot }

// Path resolves the artifact onto a concrete FileSystem, rooted at the
// caller-supplied exec root.
func (a Artifact) Path(fs vfs.FileSystem) vfs.Path {
	return vfs.NewPath(fs, a.execPath)
}

// Factory interns Artifacts by (root, exec-path) so that two requests for
// the same file are guaranteed to return identical ArtifactIDs.
type Factory struct {
	byKey map[factoryKey]ArtifactID
	byID  []Artifact
}

type factoryKey struct {
	root     Root
	execPath string
}

// NewFactory returns an empty artifact factory.
func NewFactory() *Factory {
	return &Factory{byKey: map[factoryKey]ArtifactID{}}
}

// Source interns a source artifact.
func (f *Factory) Source(execPath string, owner Label) Artifact {
	return f.intern(execPath, SourceRoot, owner, false)
}

// Derived interns a derived (non-tree) artifact. Its generating action is
// recorded separately via ActionGraph.AddAction.
func (f *Factory) Derived(execPath string, owner Label) Artifact {
	return f.intern(execPath, DerivedRoot, owner, false)
}

// DerivedTree interns a derived tree artifact.
func (f *Factory) DerivedTree(execPath string, owner Label) Artifact {
	return f.intern(execPath, DerivedRoot, owner, true)
}

func (f *Factory) intern(execPath string, root Root, owner Label, tree bool) Artifact {
	key := factoryKey{root: root, execPath: execPath}
	if id, ok := f.byKey[key]; ok {
		return f.byID[id]
	}
	id := ArtifactID(len(f.byID))
	a := Artifact{id: id, root: root, execPath: execPath, owner: owner, tree: tree}
	f.byKey[key] = id
	f.byID = append(f.byID, a)
	return a
}

// Lookup returns the previously interned Artifact for id.
func (f *Factory) Lookup(id ArtifactID) (Artifact, bool) {
	if int(id) < 0 || int(id) >= len(f.byID) {
		return Artifact{}, false
	}
	return f.byID[id], true
}

// ByExecPath returns the already-interned Artifact at execPath, checking
// the derived root first and falling back to source. Used by the
// scheduler to resolve a discovered input's exec-path (e.g. an LTO
// backend's parsed import list) back to the Artifact the rest of the
// graph already knows.
func (f *Factory) ByExecPath(execPath string) (Artifact, bool) {
	if id, ok := f.byKey[factoryKey{root: DerivedRoot, execPath: execPath}]; ok {
		return f.byID[id], true
	}
	if id, ok := f.byKey[factoryKey{root: SourceRoot, execPath: execPath}]; ok {
		return f.byID[id], true
	}
	return Artifact{}, false
}

// ArtifactExpander expands a tree artifact into its (as-yet-unknown at
// analysis time) member files, supplied to actions only at execution time
// once the tree's generating action has completed.
type ArtifactExpander interface {
	Expand(tree Artifact) ([]Artifact, error)
}
