package forge

import (
	"fmt"

	"github.com/forgeworks/forge/engineerr"
)

// ActionGraph is the bipartite DAG of artifacts and actions. It is arena/index-based rather than a web of pointers between
// Action and Artifact values, per the redesigned Design Notes: artifacts
// and actions are addressed by their ArtifactID / ActionID into flat
// slices owned by the graph, so neither value type needs to hold a
// reference to the other and the whole graph can be discarded by
// dropping the arena rather than walking a cycle of pointers.
type ActionGraph struct {
	actions    []Action
	producedBy map[ArtifactID]ActionID // derived artifact -> its unique producer
	deps       [][]ArtifactID          // ActionID -> its declared inputs, snapshotted at AddAction time
}

// ActionID is an opaque handle into an ActionGraph's arena.
type ActionID int32

// NewActionGraph returns an empty graph.
func NewActionGraph() *ActionGraph {
	return &ActionGraph{producedBy: map[ArtifactID]ActionID{}}
}

// AddAction registers action as the producer of its declared outputs,
// enforcing the unique-producer invariant. It returns an Internal
// error if any output already has a producer.
func (g *ActionGraph) AddAction(action Action) (ActionID, error) {
	for _, out := range action.Outputs() {
		if out.IsSource() {
			return 0, engineerr.Invariant("derived-output-not-source",
				fmt.Errorf("action %s declares source artifact %s as an output", action.Describe(), out.ExecPath()))
		}
		if existing, ok := g.producedBy[out.ID()]; ok {
			return 0, engineerr.Invariant("unique-producer",
				fmt.Errorf("artifact %s already produced by action %d", out.ExecPath(), existing))
		}
	}

	id := ActionID(len(g.actions))
	g.actions = append(g.actions, action)

	inputs := make([]ArtifactID, len(action.Inputs()))
	for i, in := range action.Inputs() {
		inputs[i] = in.ID()
	}
	g.deps = append(g.deps, inputs)

	for _, out := range action.Outputs() {
		g.producedBy[out.ID()] = id
	}
	return id, nil
}

// Action returns the action registered under id.
func (g *ActionGraph) Action(id ActionID) (Action, bool) {
	if int(id) < 0 || int(id) >= len(g.actions) {
		return nil, false
	}
	return g.actions[id], true
}

// Producer returns the action that generates artifact, if any (artifacts
// with no producer are sources, not a graph error).
func (g *ActionGraph) Producer(artifact ArtifactID) (ActionID, bool) {
	id, ok := g.producedBy[artifact]
	return id, ok
}

// ActionDeps returns the ArtifactIDs action id declared as inputs at the
// time it was added to the graph. For actions that discover inputs later,
// callers should prefer the live action.Inputs() once discovery has run;
// this snapshot only reflects construction-time declared inputs.
func (g *ActionGraph) ActionDeps(id ActionID) []ArtifactID {
	if int(id) < 0 || int(id) >= len(g.deps) {
		return nil
	}
	return g.deps[id]
}

// Len returns the number of actions registered in the graph.
func (g *ActionGraph) Len() int { return len(g.actions) }

// TopoSort returns action IDs in an order where every action appears after
// all actions producing its inputs, detecting cycles as an Internal error.
// Ties are broken by ascending ActionID so the ordering is deterministic
// given a fixed construction order (the scheduler applies its own
// fanout/label tie-break on top of whatever this produces in parallel).
func (g *ActionGraph) TopoSort() ([]ActionID, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.actions))
	order := make([]ActionID, 0, len(g.actions))

	var visit func(id ActionID) error
	visit = func(id ActionID) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return engineerr.Invariant("action-graph-acyclic",
				fmt.Errorf("cycle detected reaching action %d", id))
		}
		color[id] = gray
		for _, dep := range g.deps[id] {
			if producer, ok := g.producedBy[dep]; ok {
				if err := visit(producer); err != nil {
					return err
				}
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for id := range g.actions {
		if err := visit(ActionID(id)); err != nil {
			return nil, err
		}
	}
	return order, nil
}
