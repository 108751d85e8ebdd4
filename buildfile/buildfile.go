// Package buildfile reads the serialized action description the CLI
// consumes in place of real rule evaluation, which is an external
// collaborator to this engine. A build file is a flat JSON document:
// packages of named targets, each naming its mnemonic, argv, declared
// inputs and outputs, and the labels it depends on.
//
// The package implements query.Loader's PackageProvider contract and
// turns the same document into the forge.ActionGraph the scheduler
// drives, the way a real rule-evaluation front end would.
package buildfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/forgeworks/forge"
	"github.com/forgeworks/forge/query"
)

// ActionDesc is one target's worth of action description.
type ActionDesc struct {
	Deps     []string          `json:"deps"`
	Mnemonic string            `json:"mnemonic"`
	Argv     []string          `json:"argv"`
	Inputs   []string          `json:"inputs"`
	Outputs  []string          `json:"outputs"`
	Tools    []string          `json:"tools"`
	Env      map[string]string `json:"env"`
	Progress string            `json:"progress"`
	// Fetch, when set, names an OCI image reference (e.g.
	// "ghcr.io/forgeworks/toolchains/go:1.25") that this target's tools or
	// inputs are materialized from. The fetch command resolves these ahead
	// of any build, the external-repository side effect the fetch
	// command exists for.
	Fetch string `json:"fetch,omitempty"`
}

// Package is one package's worth of targets, keyed by short name (the part
// after the final ':').
type Package struct {
	Targets map[string]ActionDesc `json:"targets"`
}

// File is the whole serialized document, keyed by package path ("//foo/bar").
type File struct {
	Packages map[string]Package `json:"packages"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("buildfile: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("buildfile: parse %s: %w", path, err)
	}
	return &f, nil
}

func splitLabel(label string) (pkg, name string, err error) {
	i := strings.LastIndex(label, ":")
	if i < 0 {
		return "", "", fmt.Errorf("buildfile: malformed label %q, want //pkg:name", label)
	}
	return label[:i], label[i+1:], nil
}

// Provider adapts File to query.PackageProvider so query.Loader can expand
// patterns against it without knowing about actions at all.
type Provider struct{ file *File }

func (f *File) Provider() *Provider { return &Provider{file: f} }

func (p *Provider) LoadPackage(ctx context.Context, pkg string) (map[query.Label][]query.Label, error) {
	out := map[query.Label][]query.Label{}
	pk, ok := p.file.Packages[pkg]
	if !ok {
		return nil, fmt.Errorf("buildfile: no such package %q", pkg)
	}
	for name, desc := range pk.Targets {
		label := query.Label(pkg + ":" + name)
		deps := make([]query.Label, len(desc.Deps))
		for i, d := range desc.Deps {
			deps[i] = query.Label(d)
		}
		out[label] = deps
	}
	return out, nil
}

func (p *Provider) ListSubpackages(ctx context.Context, pkg string) ([]string, error) {
	var out []string
	for name := range p.file.Packages {
		if name == pkg || strings.HasPrefix(name, pkg+"/") {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *File) lookup(label query.Label) (ActionDesc, error) {
	pkg, name, err := splitLabel(string(label))
	if err != nil {
		return ActionDesc{}, err
	}
	pk, ok := f.Packages[pkg]
	if !ok {
		return ActionDesc{}, fmt.Errorf("buildfile: no such package %q (label %s)", pkg, label)
	}
	desc, ok := pk.Targets[name]
	if !ok {
		return ActionDesc{}, fmt.Errorf("buildfile: no such target %q in package %q", name, pkg)
	}
	return desc, nil
}

// FetchRefs returns the distinct OCI references named by labels' Fetch
// fields, in label order, skipping targets that don't declare one.
func (f *File) FetchRefs(labels []query.Label) ([]string, error) {
	seen := map[string]bool{}
	var refs []string
	for _, label := range labels {
		desc, err := f.lookup(label)
		if err != nil {
			return nil, err
		}
		if desc.Fetch == "" || seen[desc.Fetch] {
			continue
		}
		seen[desc.Fetch] = true
		refs = append(refs, desc.Fetch)
	}
	return refs, nil
}

// BuildGraph materializes every label reachable from roots (following Deps)
// into a forge.Factory/forge.ActionGraph pair, returning the top-level
// ArtifactIDs that correspond to roots' first declared output each so the
// caller can hand them straight to scheduler.Engine.Run.
func (f *File) BuildGraph(roots []query.Label) (*forge.Factory, *forge.ActionGraph, []forge.ArtifactID, error) {
	factory := forge.NewFactory()
	graph := forge.NewActionGraph()

	seen := map[query.Label]bool{}
	var outs []forge.ArtifactID

	var visit func(label query.Label) error
	visit = func(label query.Label) error {
		if seen[label] {
			return nil
		}
		seen[label] = true

		desc, err := f.lookup(label)
		if err != nil {
			return err
		}
		for _, dep := range desc.Deps {
			if err := visit(query.Label(dep)); err != nil {
				return err
			}
		}

		owner := forge.ActionOwner{Label: forge.Label(label)}

		inputs := make([]forge.Artifact, 0, len(desc.Inputs)+len(desc.Deps))
		for _, in := range desc.Inputs {
			inputs = append(inputs, factory.Source(in, forge.Label(label)))
		}
		for _, dep := range desc.Deps {
			depDesc, err := f.lookup(query.Label(dep))
			if err != nil {
				return err
			}
			for _, out := range depDesc.Outputs {
				inputs = append(inputs, factory.Derived(out, forge.Label(dep)))
			}
		}

		tools := make([]forge.Artifact, 0, len(desc.Tools))
		for _, tool := range desc.Tools {
			tools = append(tools, factory.Source(tool, forge.Label(label)))
		}

		outputs := make([]forge.Artifact, 0, len(desc.Outputs))
		for _, out := range desc.Outputs {
			outputs = append(outputs, factory.Derived(out, forge.Label(label)))
		}

		action, err := forge.NewSpawnAction(owner, desc.Mnemonic, tools, inputs, outputs, desc.Argv, desc.Env, nil, forge.ResourceSet{}, desc.Progress)
		if err != nil {
			return fmt.Errorf("buildfile: target %s: %w", label, err)
		}
		if _, err := graph.AddAction(action); err != nil {
			return fmt.Errorf("buildfile: target %s: %w", label, err)
		}
		return nil
	}

	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, nil, nil, err
		}
		desc, err := f.lookup(root)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(desc.Outputs) == 0 {
			continue
		}
		a, ok := factory.ByExecPath(desc.Outputs[0])
		if !ok {
			return nil, nil, nil, fmt.Errorf("buildfile: root %s produced no artifact at %s", root, desc.Outputs[0])
		}
		outs = append(outs, a.ID())
	}

	return factory, graph, outs, nil
}
