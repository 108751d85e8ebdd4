// Package scheduler drives the action graph to completion: it
// walks actions in dependency order, resolves discovered inputs, consults
// the action cache, acquires resources, dispatches to the right execution
// strategy, and reports lifecycle through the event bus.
//
// The scheduler is constructed as an explicit Engine value threaded
// through operations rather than a package-level singleton, so every
// test constructs its own Engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/forgeworks/forge"
	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
	"github.com/forgeworks/forge/engineerr"
	"github.com/forgeworks/forge/eventbus"
	"github.com/forgeworks/forge/resource"
	"github.com/forgeworks/forge/strategy"
	"github.com/forgeworks/forge/vfs"
)

// Engine bundles every collaborator a build needs, replacing the several
// global singletons (resource manager, worker factory, event bus) the
// Design Notes call out for replacement with a constructed context.
type Engine struct {
	Graph      *forge.ActionGraph
	Factory    *forge.Factory
	FS         vfs.FileSystem
	Cache      *cache.Coordinator
	CAS        cache.CAS
	Resources  *resource.Manager
	Strategies *strategy.Dispatcher
	Bus        *eventbus.Bus
	Expander   forge.ArtifactExpander

	// Jobs bounds the executor pool size. Zero means runtime.NumCPU().
	Jobs int
	// KeepGoing, when true, lets independent subgraphs continue after a
	// User-kind action failure instead of aborting the whole build.
	KeepGoing bool
}

// ActionStatus is the terminal state of one action's scheduling attempt.
type ActionStatus int

const (
	StatusSucceeded ActionStatus = iota
	StatusCacheHit
	StatusFailed
	StatusSkipped // a dependency failed, or an earlier failure is aborting the build, so this action did not run
)

// Outcome is the per-action record the scheduler hands back once a build
// finishes (successfully, with failures under keep-going, or aborted).
type Outcome struct {
	Action forge.ActionID
	Status ActionStatus
	Err    error
}

// Result is the whole-build outcome.
type Result struct {
	Outcomes    []Outcome
	Interrupted bool
}

// Failed reports whether any outcome other than Skipped ended in failure.
func (r Result) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			return true
		}
	}
	return false
}

// plan is the scheduler's private bookkeeping over one Run: in-degree
// counts, the reverse (consumer) edges TopoSort/ActionGraph doesn't
// expose directly, and per-action downstream fanout for the tie-break
// policy.
type plan struct {
	consumers map[forge.ActionID][]forge.ActionID
	inDegree  map[forge.ActionID]int
	fanout    map[forge.ActionID]int
}

func buildPlan(g *forge.ActionGraph, order []forge.ActionID) (*plan, error) {
	p := &plan{
		consumers: map[forge.ActionID][]forge.ActionID{},
		inDegree:  map[forge.ActionID]int{},
	}
	for _, id := range order {
		deps := g.ActionDeps(id)
		seen := map[forge.ActionID]bool{}
		for _, dep := range deps {
			producer, ok := g.Producer(dep)
			if !ok || producer == id {
				continue
			}
			if seen[producer] {
				continue
			}
			seen[producer] = true
			p.consumers[producer] = append(p.consumers[producer], id)
			p.inDegree[id]++
		}
	}
	p.fanout = computeFanout(order, p.consumers)
	return p, nil
}

// computeFanout counts, for each action, the number of actions
// transitively reachable through its consumer edges, "more downstream
// fanout" in the tie-break policy. Each action's consumer closure is walked
// afresh, counting every reachable action once, so shared descendants are
// not double-counted.
func computeFanout(order []forge.ActionID, consumers map[forge.ActionID][]forge.ActionID) map[forge.ActionID]int {
	fanout := map[forge.ActionID]int{}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		total := 0
		seen := map[forge.ActionID]bool{}
		var walk func(forge.ActionID)
		walk = func(c forge.ActionID) {
			if seen[c] {
				return
			}
			seen[c] = true
			total++
			for _, grandchild := range consumers[c] {
				walk(grandchild)
			}
		}
		for _, c := range consumers[id] {
			walk(c)
		}
		fanout[id] = total
	}
	return fanout
}

// Run drives every action in g reachable from topLevel to completion.
func (e *Engine) Run(ctx context.Context, topLevel []forge.ArtifactID) (Result, error) {
	order, err := e.Graph.TopoSort()
	if err != nil {
		return Result{}, err
	}

	needed, err := e.transitiveClosure(topLevel, order)
	if err != nil {
		return Result{}, err
	}

	p, err := buildPlan(e.Graph, needed)
	if err != nil {
		return Result{}, err
	}

	e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.BuildStarted})

	q := newReadyQueue(e.Graph, p)
	for _, id := range needed {
		if p.inDegree[id] == 0 {
			q.push(id)
		}
	}

	// A fixed pool of worker goroutines pulls from q and pushes newly
	// unblocked consumers back onto it. The pool is sized once, up front, and
	// every worker is spawned exactly once. Unlike a recursive
	// self-resubmitting scheme, this can never deadlock against a bounded
	// concurrency limit, since no worker ever blocks waiting for another
	// worker slot to free.
	workers := e.Jobs
	if workers <= 0 {
		workers = defaultJobs()
	}
	if workers > len(needed) {
		workers = len(needed)
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu        sync.Mutex
		outcomes  = make(map[forge.ActionID]Outcome, len(needed))
		failedSet = map[forge.ActionID]bool{}
		remaining = len(needed)
		firstErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				id, ok := q.popWait(gctx)
				if !ok {
					return nil // queue drained and closed: this worker is done
				}

				mu.Lock()
				depFailed := false
				for _, dep := range e.Graph.ActionDeps(id) {
					if producer, ok := e.Graph.Producer(dep); ok && failedSet[producer] {
						depFailed = true
						break
					}
				}
				aborting := firstErr != nil
				mu.Unlock()

				var outcome Outcome
				switch {
				case aborting:
					outcome = Outcome{Action: id, Status: StatusSkipped}
				case depFailed:
					outcome = Outcome{Action: id, Status: StatusSkipped}
				default:
					outcome = e.runOne(gctx, id)
				}

				mu.Lock()
				outcomes[id] = outcome
				if outcome.Status == StatusFailed || outcome.Status == StatusSkipped {
					failedSet[id] = true
				}
				if outcome.Status == StatusFailed && firstErr == nil {
					if engineerr.KindOf(outcome.Err) != engineerr.User || !e.KeepGoing {
						firstErr = outcome.Err
					}
				}
				for _, consumer := range p.consumers[id] {
					p.inDegree[consumer]--
					if p.inDegree[consumer] == 0 {
						q.push(consumer)
					}
				}
				remaining--
				if remaining == 0 {
					q.close()
				}
				mu.Unlock()
			}
		})
	}

	runErr := g.Wait()
	if runErr == nil {
		mu.Lock()
		runErr = firstErr
		mu.Unlock()
	}
	if runErr == nil && ctx.Err() != nil {
		// The caller's context was canceled while workers were draining the
		// queue: no worker records an error for that, so surface it here
		// rather than reporting a truncated build as a success.
		runErr = engineerr.Interrupt
	}

	res := Result{}
	for _, id := range needed {
		if o, ok := outcomes[id]; ok {
			res.Outcomes = append(res.Outcomes, o)
		}
	}
	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].Action < res.Outcomes[j].Action })

	if runErr != nil {
		if engineerr.IsInterrupted(runErr) {
			res.Interrupted = true
			e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.BuildInterrupted, Err: runErr})
			return res, runErr
		}
		e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.BuildComplete, Err: runErr})
		return res, runErr
	}
	e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.BuildComplete})
	return res, nil
}

// transitiveClosure restricts order to the actions that (transitively)
// produce topLevel, preserving order's relative ordering.
func (e *Engine) transitiveClosure(topLevel []forge.ArtifactID, order []forge.ActionID) ([]forge.ActionID, error) {
	needed := map[forge.ActionID]bool{}
	var visit func(id forge.ActionID)
	visit = func(id forge.ActionID) {
		if needed[id] {
			return
		}
		needed[id] = true
		for _, dep := range e.Graph.ActionDeps(id) {
			if producer, ok := e.Graph.Producer(dep); ok {
				visit(producer)
			}
		}
	}
	for _, a := range topLevel {
		if producer, ok := e.Graph.Producer(a); ok {
			visit(producer)
		}
	}
	out := make([]forge.ActionID, 0, len(needed))
	for _, id := range order {
		if needed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// runOne resolves discovered inputs, computes the ActionKey, consults the
// cache, and otherwise acquires resources and dispatches execution for a
// single action.
func (e *Engine) runOne(ctx context.Context, id forge.ActionID) Outcome {
	action, ok := e.Graph.Action(id)
	if !ok {
		return Outcome{Action: id, Status: StatusFailed, Err: fmt.Errorf("scheduler: unknown action %d", id)}
	}

	owner := resource.Owner(fmt.Sprintf("action-%d", id))

	e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.ActionStarted, Mnemonic: action.Mnemonic(), Label: string(action.Owner().Label)})

	if discoverer, ok := action.(forge.InputDiscoverer); ok {
		if _, err := discoverer.DiscoverInputs(e.lookupArtifact); err != nil {
			return e.fail(ctx, id, action, engineerr.Wrap(engineerr.User, err), 0)
		}
	}

	inputDigests, err := e.digestInputs(action)
	if err != nil {
		return e.fail(ctx, id, action, err, 0)
	}
	actionKey := forge.ComputeActionKey(action, inputDigests)

	inputMap := make(map[string]string, len(inputDigests))
	for i, in := range action.Inputs() {
		inputMap[in.ExecPath()] = inputDigests[i].Hex()
	}

	var cacheHit bool
	var exitCode int
	result, hit, err := e.Cache.GetOrBuild(actionKey, func() (cache.ActionResult, error) {
		handle, err := e.Resources.Acquire(ctx, owner, action.Resources())
		if err != nil {
			return cache.ActionResult{}, engineerr.Wrap(engineerr.Interrupted, err)
		}
		defer handle.Release()

		if err := e.prepareOutputs(action); err != nil {
			return cache.ActionResult{}, err
		}
		code, err := e.execute(ctx, action, inputMap)
		exitCode = code
		if err != nil {
			return cache.ActionResult{}, err
		}
		return e.recordOutputs(action)
	})
	cacheHit = hit
	if err != nil {
		return e.fail(ctx, id, action, err, exitCode)
	}
	if cacheHit {
		if err := e.materialize(action, result); err != nil {
			return e.fail(ctx, id, action, err, exitCode)
		}
		e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.CacheHit, Mnemonic: action.Mnemonic(), Label: string(action.Owner().Label), CacheHit: true, Bytes: outputBytes(result)})
		return Outcome{Action: id, Status: StatusCacheHit}
	}

	e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.ActionCompleted, Mnemonic: action.Mnemonic(), Label: string(action.Owner().Label), ExitCode: exitCode})
	return Outcome{Action: id, Status: StatusSucceeded}
}

func (e *Engine) fail(ctx context.Context, id forge.ActionID, action forge.Action, err error, exitCode int) Outcome {
	e.Bus.Publish(ctx, eventbus.Event{Kind: eventbus.ActionCompleted, Mnemonic: action.Mnemonic(), Label: string(action.Owner().Label), Err: err, ExitCode: exitCode})
	return Outcome{Action: id, Status: StatusFailed, Err: err}
}

func (e *Engine) lookupArtifact(execPath string) (forge.Artifact, bool) {
	return e.Factory.ByExecPath(execPath)
}

func (e *Engine) digestInputs(action forge.Action) ([]digest.Digest, error) {
	digests := make([]digest.Digest, 0, len(action.Inputs()))
	for _, in := range action.Inputs() {
		d, err := e.digestArtifact(in)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// digestArtifact digests one input: file contents directly, tree artifacts
// as a composite over every member's path and content so that adding,
// removing, renaming, or editing any file under the tree changes the
// resulting ActionKey.
func (e *Engine) digestArtifact(in forge.Artifact) (digest.Digest, error) {
	p := in.Path(e.FS)
	if !e.FS.Exists(p) {
		return digest.Digest{}, engineerr.Wrap(engineerr.Environment, fmt.Errorf("scheduler: missing input %s", in.ExecPath()))
	}
	if in.IsTreeArtifact() && e.FS.IsDirectory(p, true) {
		members, err := e.treeMembers(in)
		if err != nil {
			return digest.Digest{}, err
		}
		b := digest.NewBuilder()
		for _, member := range members {
			data, err := e.FS.ReadContent(vfs.NewPath(e.FS, member))
			if err != nil {
				return digest.Digest{}, engineerr.Wrap(engineerr.Environment, err)
			}
			b.AddString(member).AddDigest(digest.FromBytes(data))
		}
		return b.Sum(), nil
	}
	data, err := e.FS.ReadContent(p)
	if err != nil {
		return digest.Digest{}, engineerr.Wrap(engineerr.Environment, err)
	}
	return digest.FromBytes(data), nil
}

// treeMembers lists a tree artifact's member files as exec-root-relative
// paths, in sorted order: through the configured Expander when one is
// set (analysis may know the members without touching disk), by walking
// the directory otherwise.
func (e *Engine) treeMembers(tree forge.Artifact) ([]string, error) {
	if e.Expander != nil {
		arts, err := e.Expander.Expand(tree)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.Environment, err)
		}
		members := make([]string, 0, len(arts))
		for _, a := range arts {
			members = append(members, a.ExecPath())
		}
		sort.Strings(members)
		return members, nil
	}

	var members []string
	var walk func(p vfs.Path, execPath string) error
	walk = func(p vfs.Path, execPath string) error {
		entries, err := e.FS.GetDirectoryEntries(p)
		if err != nil {
			return engineerr.Wrap(engineerr.Environment, err)
		}
		for _, name := range entries {
			child := p.GetChild(name)
			childPath := execPath + "/" + name
			if e.FS.IsDirectory(child, true) {
				if err := walk(child, childPath); err != nil {
					return err
				}
				continue
			}
			members = append(members, childPath)
		}
		return nil
	}
	if err := walk(tree.Path(e.FS), tree.ExecPath()); err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// prepareOutputs deletes an action's existing outputs before
// re-execution, guarded by requiring every output path to live
// under the exec root so a misconfigured absolute path can never trigger a
// deletion outside the build tree.
func (e *Engine) prepareOutputs(action forge.Action) error {
	root := e.FS.Root()
	for _, out := range action.Outputs() {
		p := out.Path(e.FS)
		if !underRoot(root, p) {
			return engineerr.Invariant("output-outside-exec-root", fmt.Errorf("output %s escapes exec root", out.ExecPath()))
		}
		if !e.FS.Exists(p) {
			continue
		}
		if e.FS.IsDirectory(p, false) {
			if err := e.FS.DeleteTree(p); err != nil {
				return engineerr.Wrap(engineerr.Environment, err)
			}
		} else if err := e.FS.Delete(p); err != nil {
			return engineerr.Wrap(engineerr.Environment, err)
		}
	}
	return nil
}

func underRoot(root, p vfs.Path) bool {
	rel := p.Relative(root)
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// execute dispatches one action to produce its outputs, branching on Kind:
// data-only variants (FileWrite/Symlink/Template/ParameterFile/Middleman)
// are materialized directly against the FileSystem; Spawn and LTOBackend
// go through the strategy dispatcher.
func (e *Engine) execute(ctx context.Context, action forge.Action, inputs map[string]string) (int, error) {
	switch a := action.(type) {
	case *forge.FileWriteAction:
		return 0, e.FS.Write(a.Outputs()[0].Path(e.FS), a.Content, a.Executable)

	case *forge.SymlinkAction:
		return 0, e.FS.CreateSymbolicLink(a.Outputs()[0].Path(e.FS), a.Target.ExecPath())

	case *forge.TemplateAction:
		rendered := a.TemplateText
		for k, v := range a.Substitutions {
			rendered = strings.ReplaceAll(rendered, "{{"+k+"}}", v)
		}
		return 0, e.FS.Write(a.Outputs()[0].Path(e.FS), []byte(rendered), a.Executable)

	case *forge.ParameterFileAction:
		lines, err := e.expandParameterLines(a)
		if err != nil {
			return 0, err
		}
		content := ""
		if len(lines) > 0 {
			content = strings.Join(lines, "\n") + "\n"
		}
		return 0, e.FS.Write(a.Outputs()[0].Path(e.FS), []byte(content), false)

	case *forge.MiddlemanAction:
		// A middleman's output carries no content of its own; an empty
		// marker file keeps recordOutputs/materialize uniform across
		// variants instead of special-casing contentless outputs there.
		return 0, e.FS.Write(a.Outputs()[0].Path(e.FS), nil, false)

	case *forge.LTOBackendAction:
		return e.dispatchSpawn(ctx, action, a.Argv, nil, nil, "", inputs)

	case *forge.SpawnAction:
		return e.dispatchSpawn(ctx, action, a.Argv, a.Env, a.ClientEnv, a.WorkDir, inputs)

	default:
		return 0, engineerr.Invariant("unknown-action-kind", fmt.Errorf("scheduler: unhandled action kind %v", action.Kind()))
	}
}

func (e *Engine) dispatchSpawn(ctx context.Context, action forge.Action, argv []string, env map[string]string, clientEnv []string, workDir string, inputs map[string]string) (int, error) {
	mnemonic := action.Mnemonic()
	toolsDigest, err := e.digestTools(action)
	if err != nil {
		return 0, err
	}
	result, err := e.Strategies.Execute(ctx, strategy.Spawn{
		Mnemonic:    mnemonic,
		Argv:        argv,
		Env:         env,
		ClientEnv:   clientEnv,
		WorkDir:     workDir,
		Inputs:      inputs,
		ToolsDigest: toolsDigest,
	}, e.FS.Root())
	if err != nil {
		var classified *engineerr.Error
		if errors.As(err, &classified) {
			return 0, err
		}
		return 0, engineerr.Wrap(engineerr.Environment, err)
	}
	if result.ExitCode != 0 {
		return result.ExitCode, engineerr.Wrap(engineerr.User, fmt.Errorf("%s: exit code %d: %s", mnemonic, result.ExitCode, truncate(string(result.Stderr), 4000)))
	}
	return result.ExitCode, nil
}

// digestTools folds the content of an action's declared tool inputs into a
// single digest, the toolchain-change component of the worker fungibility
// tuple: two spawns whose tools differ in content
// must never share a persistent worker.
func (e *Engine) digestTools(action forge.Action) (digest.Digest, error) {
	tools := action.Tools()
	if len(tools) == 0 {
		return digest.Digest{}, nil
	}
	b := digest.NewBuilder()
	for _, tool := range tools {
		data, err := e.FS.ReadContent(tool.Path(e.FS))
		if err != nil {
			return digest.Digest{}, engineerr.Wrap(engineerr.Environment, fmt.Errorf("scheduler: reading tool %s: %w", tool.ExecPath(), err))
		}
		b.AddString(tool.ExecPath()).AddDigest(digest.FromBytes(data))
	}
	return b.Sum(), nil
}

// expandParameterLines replaces any line naming a tree-artifact input's
// exec-path with that tree's member file paths, so a parameter file handed
// to a tool lists concrete files rather than a directory the tool would
// have to walk itself.
func (e *Engine) expandParameterLines(a *forge.ParameterFileAction) ([]string, error) {
	trees := map[string]forge.Artifact{}
	for _, in := range a.Inputs() {
		if in.IsTreeArtifact() {
			trees[in.ExecPath()] = in
		}
	}
	if len(trees) == 0 {
		return a.Lines, nil
	}
	out := make([]string, 0, len(a.Lines))
	for _, line := range a.Lines {
		tree, ok := trees[line]
		if !ok {
			out = append(out, line)
			continue
		}
		members, err := e.treeMembers(tree)
		if err != nil {
			return nil, err
		}
		out = append(out, members...)
	}
	return out, nil
}

// outputBytes sums the recorded size of result's outputs, for the console
// reporter's cache-hit byte total.
func outputBytes(result cache.ActionResult) int64 {
	var total int64
	for _, o := range result.Outputs {
		total += o.Digest.Size
	}
	return total
}

// recordOutputs reads every declared output back off disk, digests it, and
// stores the bytes in the CAS, producing the ActionResult the action
// cache will remember this ActionKey by.
func (e *Engine) recordOutputs(action forge.Action) (cache.ActionResult, error) {
	var result cache.ActionResult
	for _, out := range action.Outputs() {
		p := out.Path(e.FS)
		if !e.FS.Exists(p) {
			return cache.ActionResult{}, engineerr.Wrap(engineerr.User, fmt.Errorf("action %s did not produce declared output %s", action.Describe(), out.ExecPath()))
		}
		paths := []string{out.ExecPath()}
		if out.IsTreeArtifact() && e.FS.IsDirectory(p, true) {
			members, err := e.treeMembers(out)
			if err != nil {
				return cache.ActionResult{}, err
			}
			paths = members
		}
		for _, execPath := range paths {
			data, err := e.FS.ReadContent(vfs.NewPath(e.FS, execPath))
			if err != nil {
				return cache.ActionResult{}, engineerr.Wrap(engineerr.Environment, err)
			}
			d := digest.FromBytes(data)
			if err := e.CAS.Put(d, data); err != nil {
				return cache.ActionResult{}, err
			}
			result.Outputs = append(result.Outputs, cache.OutputMetadata{ExecPath: execPath, Digest: d})
		}
	}
	return result, nil
}

// materialize writes a cache hit's recorded outputs back onto disk when
// they are not already present with the expected digest.
func (e *Engine) materialize(action forge.Action, result cache.ActionResult) error {
	byPath := map[string]cache.OutputMetadata{}
	for _, m := range result.Outputs {
		byPath[m.ExecPath] = m
	}
	for _, out := range action.Outputs() {
		if out.IsTreeArtifact() {
			// A tree output is recorded as its member files; restore every
			// recorded path under the tree's prefix.
			prefix := out.ExecPath() + "/"
			found := false
			for execPath, meta := range byPath {
				if !strings.HasPrefix(execPath, prefix) {
					continue
				}
				found = true
				if err := e.materializeOne(execPath, meta); err != nil {
					return err
				}
			}
			if !found {
				// A tree with no recorded members was empty when executed;
				// recreate the empty directory.
				if err := e.FS.CreateDirectoryAndParents(out.Path(e.FS)); err != nil {
					return engineerr.Wrap(engineerr.Environment, err)
				}
			}
			continue
		}
		meta, ok := byPath[out.ExecPath()]
		if !ok {
			return engineerr.Invariant("cache-result-missing-output", fmt.Errorf("cached result for %s has no entry for %s", action.Describe(), out.ExecPath()))
		}
		if err := e.materializeOne(out.ExecPath(), meta); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) materializeOne(execPath string, meta cache.OutputMetadata) error {
	p := vfs.NewPath(e.FS, execPath)
	if e.FS.Exists(p) {
		data, err := e.FS.ReadContent(p)
		if err == nil && digest.FromBytes(data).Equal(meta.Digest) {
			return nil
		}
	}
	data, err := e.CAS.Get(meta.Digest)
	if err != nil {
		return err
	}
	if err := e.FS.Write(p, data, meta.Executable); err != nil {
		return engineerr.Wrap(engineerr.Environment, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
