// Package depgraph tracks the scheduler's dependency DAG: a directed
// acyclic graph over request ids whose edges encode the after (time) and
// follow (location) predicates attached to a task at submission. Nodes are
// removed when their request terminates.
package depgraph

import "fmt"

// Dependency is the canonicalized form of a heterogeneous after/follow
// descriptor — the source accepts bare strings, arrays, or structured
// objects; by the time it reaches the graph it has already been reduced
// to this single shape (see internal/envelope.FollowSelector for the
// wire-level canonicalization).
type Dependency struct {
	MsgIDs      []string
	All         bool // true: every id must be satisfied; false: any one suffices
	SuccessOnly bool // true: a failed id does not count as satisfied
}

// Empty reports whether the dependency set carries no ids.
func (d Dependency) Empty() bool {
	return len(d.MsgIDs) == 0
}

type node struct {
	id     string
	after  Dependency
	follow Dependency

	// dependents is the reverse index: ids whose after or follow set
	// names this node. Maintaining it incrementally avoids an O(n) scan
	// of every node whenever a request terminates and its dependents
	// must be re-evaluated.
	dependents map[string]struct{}
}

// Graph is the scheduler's dependency tracker. It is not safe for
// concurrent use; callers run it from a single event loop, per the
// controller's cooperative concurrency model.
type Graph struct {
	nodes map[string]*node
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Add registers id with its after/follow dependency sets. It fails with
// an error if doing so would introduce a cycle; the caller should
// translate that into ctlerr.KindBadDependency and reject the submission
// without entering it into the ledger.
func (g *Graph) Add(id string, after, follow Dependency) error {
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("depgraph: %s already present", id)
	}

	n := &node{id: id, after: after, follow: follow, dependents: make(map[string]struct{})}
	g.nodes[id] = n

	if g.reachableFrom(id, after.MsgIDs) || g.reachableFrom(id, follow.MsgIDs) {
		delete(g.nodes, id)
		return fmt.Errorf("depgraph: adding %s would introduce a cycle", id)
	}

	for _, dep := range after.MsgIDs {
		if depNode, ok := g.nodes[dep]; ok {
			depNode.dependents[id] = struct{}{}
		}
	}
	for _, dep := range follow.MsgIDs {
		if depNode, ok := g.nodes[dep]; ok {
			depNode.dependents[id] = struct{}{}
		}
	}
	return nil
}

// reachableFrom reports whether, starting a DFS from any id in starts,
// the walk (following each node's own after/follow edges) reaches
// target. Used to detect that adding target -> starts would close a
// cycle.
func (g *Graph) reachableFrom(target string, starts []string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == target {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		n, ok := g.nodes[id]
		if !ok {
			return false
		}
		for _, next := range n.after.MsgIDs {
			if walk(next) {
				return true
			}
		}
		for _, next := range n.follow.MsgIDs {
			if walk(next) {
				return true
			}
		}
		return false
	}
	for _, s := range starts {
		if walk(s) {
			return true
		}
	}
	return false
}

// Remove drops id from the graph — the request has reached a terminal
// state. It returns the set of ids that named id in their after or
// follow set, so the caller can re-evaluate their readiness.
func (g *Graph) Remove(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	delete(g.nodes, id)

	for _, dep := range n.after.MsgIDs {
		if depNode, ok := g.nodes[dep]; ok {
			delete(depNode.dependents, id)
		}
	}
	for _, dep := range n.follow.MsgIDs {
		if depNode, ok := g.nodes[dep]; ok {
			delete(depNode.dependents, id)
		}
	}

	dependents := make([]string, 0, len(n.dependents))
	for d := range n.dependents {
		dependents = append(dependents, d)
	}
	return dependents
}

// Dependents returns the ids currently registered as depending on id,
// via either after or follow.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.dependents))
	for d := range n.dependents {
		out = append(out, d)
	}
	return out
}

// After returns the after-dependency set registered for id.
func (g *Graph) After(id string) (Dependency, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Dependency{}, false
	}
	return n.after, true
}

// Follow returns the follow-dependency set registered for id.
func (g *Graph) Follow(id string) (Dependency, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Dependency{}, false
	}
	return n.follow, true
}

// Has reports whether id is currently tracked.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of tracked nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Satisfied evaluates a Dependency against a completion view: completed
// maps request id to whether it finished successfully. An id absent from
// completed is treated as not yet finished. success_only dependencies
// treat a present-but-failed id as unsatisfied.
func Satisfied(d Dependency, completed map[string]bool) bool {
	if d.Empty() {
		return true
	}
	satisfiedCount := 0
	for _, id := range d.MsgIDs {
		success, done := completed[id]
		ok := done && (success || !d.SuccessOnly)
		if ok {
			satisfiedCount++
			if !d.All {
				return true
			}
		} else if d.All {
			return false
		}
	}
	if d.All {
		return true
	}
	return satisfiedCount > 0
}
