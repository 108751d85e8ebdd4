// Package query implements the transitive package loader and the query
// engine that sit in front of the scheduler: target patterns
// go in, a directed graph of targets and the label edges the scheduler
// will eventually turn into action-graph edges come out.
//
// The package follows the style the rest of this repository already
// established for graph/arena code (forge.ActionGraph): a flat,
// index-free Label->edges map rather than a web of pointers, and
// parallel evaluation via golang.org/x/sync/errgroup rather than a
// hand-rolled work-stealing pool.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Label identifies one target, e.g. "//pkg/foo:bar".
type Label string

// Target is one node of the loaded graph: a label plus the labels it
// depends on, filtered by the configured DependencyFilter at load time.
type Target struct {
	Label Label
	Deps  []Label
	// Failed records a load-time error attributed to this target without
	// aborting the rest of the load.
	Failed error
}

// PackageProvider is the external collaborator (rule evaluation, outside
// this engine's scope) that resolves one package's targets.
// The loader calls it once per distinct package and caches the result.
type PackageProvider interface {
	// LoadPackage returns every target label defined in pkg and, for each,
	// its raw (unfiltered) dependency labels.
	LoadPackage(ctx context.Context, pkg string) (map[Label][]Label, error)
	// ListSubpackages returns every package nested under pkg (including
	// pkg itself), for recursive pattern expansion ("//foo/...").
	ListSubpackages(ctx context.Context, pkg string) ([]string, error)
}

// DependencyFilter decides whether an edge from `from` to `to` survives
// into the loaded graph (e.g. dropping test-only or host-configuration
// edges). A nil filter keeps every edge.
type DependencyFilter func(from, to Label) bool

// ErrorObserver is notified when a pattern or target fails to load. It
// must not block; the loader continues loading everything else.
type ErrorObserver func(label Label, err error)

// Graph is the loaded, read-only result of one Load call: an
// insertion-ordered set of Targets plus a Label->*Target map for O(1)
// lookup, preserving "adjacent targets from the same pattern remain
// adjacent" by construction, since targets are appended in
// expansion order and never reordered afterward.
type Graph struct {
	order  []Label
	byName map[Label]*Target
}

func newGraph() *Graph {
	return &Graph{byName: map[Label]*Target{}}
}

func (g *Graph) add(t *Target) {
	if _, ok := g.byName[t.Label]; ok {
		return
	}
	g.order = append(g.order, t.Label)
	g.byName[t.Label] = t
}

// Get returns the Target for label, if loaded.
func (g *Graph) Get(label Label) (*Target, bool) {
	t, ok := g.byName[label]
	return t, ok
}

// Labels returns every loaded label in load order.
func (g *Graph) Labels() []Label {
	out := make([]Label, len(g.order))
	copy(out, g.order)
	return out
}

// Len reports how many targets are loaded.
func (g *Graph) Len() int { return len(g.order) }

// Loader expands target patterns into a Graph, loading each referenced
// package from a PackageProvider at most once.
type Loader struct {
	provider PackageProvider
	filter   DependencyFilter
	onError  ErrorObserver

	mu      sync.Mutex
	pkgDeps map[string]map[Label][]Label // package -> label -> raw deps, memoized across Load calls
}

func NewLoader(provider PackageProvider, filter DependencyFilter, onError ErrorObserver) *Loader {
	if onError == nil {
		onError = func(Label, error) {}
	}
	return &Loader{provider: provider, filter: filter, onError: onError, pkgDeps: map[string]map[Label][]Label{}}
}

// Load expands patterns in order into a Graph, recursively following
// dependency edges so the returned Graph is closed under "depends on"
// (every Target's Deps are themselves present as Targets, except for
// labels an ErrorObserver already rejected).
func (l *Loader) Load(ctx context.Context, patterns []string) (*Graph, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("query: empty target pattern list")
	}

	g := newGraph()
	var walk func(label Label) error
	visited := map[Label]bool{}
	walk = func(label Label) error {
		if visited[label] {
			return nil
		}
		visited[label] = true

		pkg := packageOf(label)
		deps, ok := l.loadPackage(ctx, pkg)
		if !ok {
			t := &Target{Label: label, Failed: fmt.Errorf("query: package %q failed to load", pkg)}
			g.add(t)
			l.onError(label, t.Failed)
			return nil
		}
		raw, ok := deps[label]
		if !ok {
			t := &Target{Label: label, Failed: fmt.Errorf("query: no such target %q in package %q", label, pkg)}
			g.add(t)
			l.onError(label, t.Failed)
			return nil
		}

		filtered := make([]Label, 0, len(raw))
		for _, d := range raw {
			if l.filter != nil && !l.filter(label, d) {
				continue
			}
			filtered = append(filtered, d)
		}
		g.add(&Target{Label: label, Deps: filtered})
		for _, d := range filtered {
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}

	for _, pattern := range patterns {
		labels, err := l.expandPattern(ctx, pattern)
		if err != nil {
			l.onError(Label(pattern), err)
			continue
		}
		for _, label := range labels {
			if err := walk(label); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func (l *Loader) loadPackage(ctx context.Context, pkg string) (map[Label][]Label, bool) {
	l.mu.Lock()
	if deps, ok := l.pkgDeps[pkg]; ok {
		l.mu.Unlock()
		return deps, true
	}
	l.mu.Unlock()

	deps, err := l.provider.LoadPackage(ctx, pkg)
	if err != nil {
		return nil, false
	}
	l.mu.Lock()
	l.pkgDeps[pkg] = deps
	l.mu.Unlock()
	return deps, true
}

// expandPattern resolves one CLI-style pattern into concrete labels:
// "//pkg:name" (single target), "//pkg:*" (every target in pkg), or
// "//pkg/..." (every target in pkg and its subpackages)
func (l *Loader) expandPattern(ctx context.Context, pattern string) ([]Label, error) {
	switch {
	case strings.HasSuffix(pattern, "/..."):
		root := strings.TrimSuffix(pattern, "/...")
		pkgs, err := l.provider.ListSubpackages(ctx, root)
		if err != nil {
			return nil, err
		}
		var out []Label
		for _, pkg := range pkgs {
			deps, ok := l.loadPackage(ctx, pkg)
			if !ok {
				return nil, fmt.Errorf("query: package %q failed to load", pkg)
			}
			out = append(out, sortedLabels(deps)...)
		}
		return out, nil

	case strings.HasSuffix(pattern, ":*"):
		pkg := strings.TrimSuffix(pattern, ":*")
		deps, ok := l.loadPackage(ctx, pkg)
		if !ok {
			return nil, fmt.Errorf("query: package %q failed to load", pkg)
		}
		return sortedLabels(deps), nil

	default:
		return []Label{Label(pattern)}, nil
	}
}

func sortedLabels(m map[Label][]Label) []Label {
	out := make([]Label, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func packageOf(label Label) string {
	s := string(label)
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// parallelForEach runs fn over items concurrently, stopping at the first
// error, via errgroup rather than a
// hand-rolled worker pool.
func parallelForEach[T any](ctx context.Context, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error { return fn(gctx, item) })
	}
	return g.Wait()
}
