package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Set is a deduplicated, order-preserving collection of labels: preserving
// first-seen order matters for `somepath`'s "any shortest path" result and
// for presenting query output deterministically.
type Set struct {
	order []Label
	has   map[Label]bool
}

func NewSet() *Set { return &Set{has: map[Label]bool{}} }

func SetOf(labels ...Label) *Set {
	s := NewSet()
	for _, l := range labels {
		s.Add(l)
	}
	return s
}

func (s *Set) Add(l Label) {
	if s.has[l] {
		return
	}
	s.has[l] = true
	s.order = append(s.order, l)
}

func (s *Set) Contains(l Label) bool { return s.has[l] }
func (s *Set) Len() int              { return len(s.order) }

// Labels returns the set's members in first-insertion order.
func (s *Set) Labels() []Label {
	out := make([]Label, len(s.order))
	copy(out, s.order)
	return out
}

// Sorted returns the set's members in lexicographic order, for stable
// textual output.
func (s *Set) Sorted() []Label {
	out := s.Labels()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Expr is one node of a query expression tree.
type Expr interface {
	Eval(ctx context.Context, g *Graph) (*Set, error)
}

// TargetPattern is a leaf expression resolving through the Loader's
// pattern syntax against an already-loaded Graph: every label in the
// pattern must already be present in g (callers load the union of every
// pattern referenced by an expression before evaluating it).
type TargetPattern struct {
	Pattern Label
}

func (p TargetPattern) Eval(ctx context.Context, g *Graph) (*Set, error) {
	root, recursive := strings.CutSuffix(string(p.Pattern), "/...")
	pkg, wildcard := strings.CutSuffix(string(p.Pattern), ":*")
	if !recursive && !wildcard {
		if _, ok := g.Get(p.Pattern); !ok {
			return nil, fmt.Errorf("query: target %q not present in loaded graph", p.Pattern)
		}
		return SetOf(p.Pattern), nil
	}
	out := NewSet()
	for _, l := range g.Labels() {
		lp := packageOf(l)
		if (wildcard && lp == pkg) || (recursive && (lp == root || strings.HasPrefix(lp, root+"/"))) {
			out.Add(l)
		}
	}
	return out, nil
}

// Union is the n-ary ∪ operator. Each operand is evaluated independently
// (in parallel); once every operand has finished, their members are folded
// into the result in operand order. The union does not stream: every
// operand's full result is materialized before any output is produced.
type Union struct {
	Operands []Expr
}

func (u Union) Eval(ctx context.Context, g *Graph) (*Set, error) {
	results := make([]*Set, len(u.Operands))
	err := parallelForEach(ctx, indices(len(u.Operands)), func(ctx context.Context, i int) error {
		s, err := u.Operands[i].Eval(ctx, g)
		if err != nil {
			return err
		}
		results[i] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := NewSet()
	for _, s := range results {
		for _, l := range s.Labels() {
			out.Add(l)
		}
	}
	return out, nil
}

// Intersect is the ∩ operator: both operands are pinned (fully evaluated)
// before the result is computed, since membership in the result requires
// knowing both sides completely.
type Intersect struct {
	Left, Right Expr
}

func (in Intersect) Eval(ctx context.Context, g *Graph) (*Set, error) {
	var left, right *Set
	err := parallelForEach(ctx, []int{0, 1}, func(ctx context.Context, i int) error {
		var err error
		if i == 0 {
			left, err = in.Left.Eval(ctx, g)
		} else {
			right, err = in.Right.Eval(ctx, g)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	out := NewSet()
	for _, l := range left.Labels() {
		if right.Contains(l) {
			out.Add(l)
		}
	}
	return out, nil
}

// Difference is the ∖ operator: the left operand is evaluated fully, then
// every right operand is removed from it, evaluated in parallel when the
// right-hand side is itself a Union.
type Difference struct {
	Left  Expr
	Right []Expr
}

func (d Difference) Eval(ctx context.Context, g *Graph) (*Set, error) {
	left, err := d.Left.Eval(ctx, g)
	if err != nil {
		return nil, err
	}
	rightSets := make([]*Set, len(d.Right))
	if err := parallelForEach(ctx, indices(len(d.Right)), func(ctx context.Context, i int) error {
		s, err := d.Right[i].Eval(ctx, g)
		if err != nil {
			return err
		}
		rightSets[i] = s
		return nil
	}); err != nil {
		return nil, err
	}
	exclude := map[Label]bool{}
	for _, s := range rightSets {
		for _, l := range s.Labels() {
			exclude[l] = true
		}
	}
	out := NewSet()
	for _, l := range left.Labels() {
		if !exclude[l] {
			out.Add(l)
		}
	}
	return out, nil
}

// Deps is `deps(x)`: the transitive forward closure of x's operand.
type Deps struct {
	Operand Expr
}

func (d Deps) Eval(ctx context.Context, g *Graph) (*Set, error) {
	roots, err := d.Operand.Eval(ctx, g)
	if err != nil {
		return nil, err
	}
	out := NewSet()
	var visit func(Label)
	visit = func(l Label) {
		if out.Contains(l) {
			return
		}
		out.Add(l)
		t, ok := g.Get(l)
		if !ok {
			return
		}
		for _, d := range t.Deps {
			visit(d)
		}
	}
	for _, l := range roots.Labels() {
		visit(l)
	}
	return out, nil
}

// RDeps is `rdeps(x)`: the transitive reverse closure, every label in the
// loaded graph that transitively depends on a member of x's operand.
type RDeps struct {
	Operand Expr
}

func (r RDeps) Eval(ctx context.Context, g *Graph) (*Set, error) {
	roots, err := r.Operand.Eval(ctx, g)
	if err != nil {
		return nil, err
	}
	reverse := map[Label][]Label{}
	for _, l := range g.Labels() {
		t, _ := g.Get(l)
		for _, d := range t.Deps {
			reverse[d] = append(reverse[d], l)
		}
	}
	out := NewSet()
	var visit func(Label)
	visit = func(l Label) {
		if out.Contains(l) {
			return
		}
		out.Add(l)
		for _, parent := range reverse[l] {
			visit(parent)
		}
	}
	for _, l := range roots.Labels() {
		visit(l)
	}
	return out, nil
}

// SomePath is `somepath(a, b)`: any shortest dependency path from a
// member of A to a member of B, found by breadth-first search over the
// forward-dependency edges so the result is a shortest path, not merely
// any path.
type SomePath struct {
	From, To Expr
}

func (sp SomePath) Eval(ctx context.Context, g *Graph) (*Set, error) {
	from, err := sp.From.Eval(ctx, g)
	if err != nil {
		return nil, err
	}
	to, err := sp.To.Eval(ctx, g)
	if err != nil {
		return nil, err
	}

	type step struct {
		label Label
		prev  Label
		has   bool
	}
	visited := map[Label]step{}
	queue := make([]Label, 0, from.Len())
	for _, l := range from.Labels() {
		if _, ok := visited[l]; !ok {
			visited[l] = step{label: l}
			queue = append(queue, l)
		}
	}

	var target Label
	found := false
outer:
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if to.Contains(cur) {
			target = cur
			found = true
			break outer
		}
		t, ok := g.Get(cur)
		if !ok {
			continue
		}
		for _, d := range t.Deps {
			if _, seen := visited[d]; !seen {
				visited[d] = step{label: d, prev: cur, has: true}
				queue = append(queue, d)
			}
		}
	}

	out := NewSet()
	if !found {
		return out, nil
	}
	path := []Label{}
	for cur := target; ; {
		path = append(path, cur)
		s := visited[cur]
		if !s.has {
			break
		}
		cur = s.prev
	}
	for i := len(path) - 1; i >= 0; i-- {
		out.Add(path[i])
	}
	return out, nil
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
