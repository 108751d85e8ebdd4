package query

import (
	"context"
	"testing"
)

// fakeProvider is a small in-memory PackageProvider for tests: packages
// map to their target->deps adjacency, matching the shape a real
// rule-analysis collaborator would hand the loader.
type fakeProvider struct {
	pkgs map[string]map[Label][]Label
	subs map[string][]string
}

func (f *fakeProvider) LoadPackage(ctx context.Context, pkg string) (map[Label][]Label, error) {
	deps, ok := f.pkgs[pkg]
	if !ok {
		return nil, errNoSuchPackage(pkg)
	}
	return deps, nil
}

func (f *fakeProvider) ListSubpackages(ctx context.Context, pkg string) ([]string, error) {
	return f.subs[pkg], nil
}

type noSuchPackage string

func (n noSuchPackage) Error() string { return "no such package: " + string(n) }
func errNoSuchPackage(pkg string) error { return noSuchPackage(pkg) }

// chain: //a:a -> //a:b -> //a:c, plus an independent //a:d.
func chainProvider() *fakeProvider {
	return &fakeProvider{
		pkgs: map[string]map[Label][]Label{
			"//a": {
				"//a:a": {"//a:b"},
				"//a:b": {"//a:c"},
				"//a:c": nil,
				"//a:d": nil,
			},
		},
		subs: map[string][]string{"//a": {"//a"}},
	}
}

func TestLoaderExpandsChain(t *testing.T) {
	l := NewLoader(chainProvider(), nil, nil)
	g, err := l.Load(context.Background(), []string{"//a:a"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (a, b, c)", g.Len())
	}
	if _, ok := g.Get("//a:d"); ok {
		t.Fatalf("unreferenced target //a:d should not be loaded")
	}
}

func TestLoaderEmptyPatternsError(t *testing.T) {
	l := NewLoader(chainProvider(), nil, nil)
	if _, err := l.Load(context.Background(), nil); err == nil {
		t.Fatalf("Load(nil) should error")
	}
}

func TestLoaderWildcard(t *testing.T) {
	l := NewLoader(chainProvider(), nil, nil)
	g, err := l.Load(context.Background(), []string{"//a:*"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 (a,b,c,d)", g.Len())
	}
}

func TestLoaderFailedTargetDoesNotAbort(t *testing.T) {
	var failed []Label
	l := NewLoader(chainProvider(), nil, func(label Label, err error) {
		failed = append(failed, label)
	})
	g, err := l.Load(context.Background(), []string{"//a:a", "//missing:x"})
	if err != nil {
		t.Fatalf("Load should not abort on one bad pattern: %v", err)
	}
	if g.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 (a, b, c, plus //missing:x marked failed)", g.Len())
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly one observed failure, got %d", len(failed))
	}
}

func loadChain(t *testing.T) *Graph {
	t.Helper()
	l := NewLoader(chainProvider(), nil, nil)
	g, err := l.Load(context.Background(), []string{"//a:*"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return g
}

func mustEval(t *testing.T, e Expr, g *Graph) *Set {
	t.Helper()
	s, err := e.Eval(context.Background(), g)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	return s
}

func TestDeps(t *testing.T) {
	g := loadChain(t)
	s := mustEval(t, Deps{Operand: TargetPattern{"//a:a"}}, g)
	want := map[Label]bool{"//a:a": true, "//a:b": true, "//a:c": true}
	if s.Len() != len(want) {
		t.Fatalf("deps(//a:a) = %v, want %v", s.Sorted(), want)
	}
	for l := range want {
		if !s.Contains(l) {
			t.Fatalf("deps(//a:a) missing %s", l)
		}
	}
}

func TestDepsIdempotent(t *testing.T) {
	g := loadChain(t)
	e := Deps{Operand: TargetPattern{"//a:a"}}
	s1 := mustEval(t, e, g)
	s2 := mustEval(t, Union{Operands: []Expr{e, e}}, g)
	if s1.Len() != s2.Len() {
		t.Fatalf("deps(x) ∪ deps(x) should equal deps(x): got %d vs %d", s2.Len(), s1.Len())
	}
}

func TestRDeps(t *testing.T) {
	g := loadChain(t)
	s := mustEval(t, RDeps{Operand: TargetPattern{"//a:c"}}, g)
	for _, l := range []Label{"//a:a", "//a:b", "//a:c"} {
		if !s.Contains(l) {
			t.Fatalf("rdeps(//a:c) missing %s", l)
		}
	}
	if s.Contains("//a:d") {
		t.Fatalf("rdeps(//a:c) should not contain unrelated //a:d")
	}
}

func TestDifferenceSelfIsEmpty(t *testing.T) {
	g := loadChain(t)
	x := Deps{Operand: TargetPattern{"//a:a"}}
	s := mustEval(t, Difference{Left: x, Right: []Expr{x}}, g)
	if s.Len() != 0 {
		t.Fatalf("x ∖ x should be empty, got %v", s.Sorted())
	}
}

func TestIntersectDistributesOverUnion(t *testing.T) {
	g := loadChain(t)
	a := TargetPattern{"//a:a"}
	b := TargetPattern{"//a:b"}
	c := Deps{Operand: TargetPattern{"//a:c"}}

	lhs := mustEval(t, Intersect{Left: Union{Operands: []Expr{a, b}}, Right: c}, g)
	rhs := mustEval(t, Union{Operands: []Expr{
		Intersect{Left: a, Right: c},
		Intersect{Left: b, Right: c},
	}}, g)
	if lhs.Len() != rhs.Len() {
		t.Fatalf("(a∪b)∩c should equal (a∩c)∪(b∩c): got %v vs %v", lhs.Sorted(), rhs.Sorted())
	}
	for _, l := range lhs.Sorted() {
		if !rhs.Contains(l) {
			t.Fatalf("distributivity mismatch at %s", l)
		}
	}
}

func TestSomePathShortest(t *testing.T) {
	g := loadChain(t)
	s := mustEval(t, SomePath{From: TargetPattern{"//a:a"}, To: TargetPattern{"//a:c"}}, g)
	want := []Label{"//a:a", "//a:b", "//a:c"}
	got := s.Labels()
	if len(got) != len(want) {
		t.Fatalf("somepath(a,c) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("somepath(a,c) = %v, want %v", got, want)
		}
	}
}
