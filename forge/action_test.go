package forge

import (
	"testing"

	"github.com/forgeworks/forge/digest"
)

func owner(label string) ActionOwner { return ActionOwner{Label: Label(label)} }

func TestSpawnActionKeyDeterministic(t *testing.T) {
	f := NewFactory()
	in := f.Source("a.c", "x")
	out := f.Derived("a.o", "x")

	build := func() *SpawnAction {
		a, err := NewSpawnAction(owner("x"), "CC", nil, []Artifact{in}, []Artifact{out},
			[]string{"cc", "-c", "a.c", "-o", "a.o"}, map[string]string{"PATH": "/bin"}, nil, ResourceSet{CPU: 1}, "Compiling a.c")
		if err != nil {
			t.Fatalf("NewSpawnAction: %v", err)
		}
		return a
	}

	a1, a2 := build(), build()
	if !a1.Key().Equal(a2.Key()) {
		t.Fatalf("expected identical SpawnActions to produce identical keys")
	}
}

func TestSpawnActionKeyDiffersOnArgv(t *testing.T) {
	f := NewFactory()
	in := f.Source("a.c", "x")
	out := f.Derived("a.o", "x")

	a1, err := NewSpawnAction(owner("x"), "CC", nil, []Artifact{in}, []Artifact{out},
		[]string{"cc", "-O2", "a.c"}, nil, nil, ResourceSet{}, "")
	if err != nil {
		t.Fatalf("NewSpawnAction: %v", err)
	}
	a2, err := NewSpawnAction(owner("x"), "CC", nil, []Artifact{in}, []Artifact{out},
		[]string{"cc", "-O0", "a.c"}, nil, nil, ResourceSet{}, "")
	if err != nil {
		t.Fatalf("NewSpawnAction: %v", err)
	}
	if a1.Key().Equal(a2.Key()) {
		t.Fatalf("expected different command lines to produce different keys")
	}
}

func TestSpawnActionKeyFieldBoundary(t *testing.T) {
	f := NewFactory()
	in := f.Source("a.c", "x")
	out := f.Derived("a.o", "x")

	a1, _ := NewSpawnAction(owner("x"), "CC", nil, []Artifact{in}, []Artifact{out},
		[]string{"foo", "bar"}, nil, nil, ResourceSet{}, "")
	a2, _ := NewSpawnAction(owner("x"), "CC", nil, []Artifact{in}, []Artifact{out},
		[]string{"foob", "ar"}, nil, nil, ResourceSet{}, "")
	if a1.Key().Equal(a2.Key()) {
		t.Fatalf("expected argv field-boundary confusable slices to hash differently")
	}
}

func TestActionConstructionRejectsEmptyOutputs(t *testing.T) {
	_, err := NewSpawnAction(owner("x"), "CC", nil, nil, nil, []string{"cc"}, nil, nil, ResourceSet{}, "")
	if err == nil {
		t.Fatalf("expected error constructing an action with no outputs")
	}
}

func TestFileWriteActionKeyTracksContent(t *testing.T) {
	f := NewFactory()
	out := f.Derived("version.txt", "x")

	a1, _ := NewFileWriteAction(owner("x"), "FileWrite", out, []byte("v1"), false)
	a2, _ := NewFileWriteAction(owner("x"), "FileWrite", out, []byte("v2"), false)
	if a1.Key().Equal(a2.Key()) {
		t.Fatalf("expected different content to produce different keys")
	}
}

func TestLTOBackendActionDiscoverInputsExpandsOnce(t *testing.T) {
	f := NewFactory()
	index := f.Derived("whole.idx", "x")
	out := f.Derived("part.o", "x")
	imp := f.Derived("other.o.bc", "x")

	a, err := NewLTOBackendAction(owner("x"), "LTOBackend", nil, index, out, []string{"lld"}, ResourceSet{})
	if err != nil {
		t.Fatalf("NewLTOBackendAction: %v", err)
	}
	if !a.DiscoversInputs() {
		t.Fatalf("expected LTOBackendAction.DiscoversInputs() to be true")
	}
	a.SetDiscoveredImports([]string{"other.o.bc"})

	lookup := func(execPath string) (Artifact, bool) {
		if execPath == "other.o.bc" {
			return imp, true
		}
		return Artifact{}, false
	}
	inputs, err := a.DiscoverInputs(lookup)
	if err != nil {
		t.Fatalf("DiscoverInputs: %v", err)
	}
	if len(inputs) != 2 {
		t.Fatalf("expected 2 resolved inputs (index + import), got %d", len(inputs))
	}

	inputs2, err := a.DiscoverInputs(lookup)
	if err != nil {
		t.Fatalf("second DiscoverInputs: %v", err)
	}
	if len(inputs2) != len(inputs) {
		t.Fatalf("expected DiscoverInputs to be idempotent after first resolution")
	}
}

func TestLTOBackendActionDiscoverInputsRejectsUnknownImport(t *testing.T) {
	f := NewFactory()
	index := f.Derived("whole.idx", "x")
	out := f.Derived("part.o", "x")

	a, _ := NewLTOBackendAction(owner("x"), "LTOBackend", nil, index, out, nil, ResourceSet{})
	a.SetDiscoveredImports([]string{"missing.o.bc"})

	_, err := a.DiscoverInputs(func(string) (Artifact, bool) { return Artifact{}, false })
	if err == nil {
		t.Fatalf("expected error discovering an import with no known artifact")
	}
}

func TestComputeActionKeyOrderIndependent(t *testing.T) {
	f := NewFactory()
	in := f.Source("a.c", "x")
	out := f.Derived("a.o", "x")
	a, _ := NewSpawnAction(owner("x"), "CC", nil, []Artifact{in}, []Artifact{out}, []string{"cc"}, nil, nil, ResourceSet{}, "")

	d1 := digest.FromBytes([]byte("one"))
	d2 := digest.FromBytes([]byte("two"))

	k1 := ComputeActionKey(a, []digest.Digest{d1, d2})
	k2 := ComputeActionKey(a, []digest.Digest{d2, d1})
	if !k1.Equal(k2) {
		t.Fatalf("expected ComputeActionKey to be independent of input digest ordering")
	}
}
