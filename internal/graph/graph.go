// Package graph holds the dependency graph between registered capabilities.
//
// Nodes are capability names; an edge consumer→provider means the provider
// must initialize before the consumer. The graph is always acyclic: AddEdge
// checks reachability before inserting and rejects edges that would close a
// loop, leaving the graph untouched.
package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateNode = errors.New("graph: duplicate node")
	ErrUnknownNode   = errors.New("graph: unknown node")
	ErrCycle         = errors.New("graph: edge would create a cycle")

	// ErrInvariant means a topological pass found a cycle that slipped past
	// edge-time checks. Fatal, never a recoverable condition.
	ErrInvariant = errors.New("graph: cycle detected in supposedly acyclic graph")
)

// DependencyGraph is not safe for concurrent use; the owning registry
// serializes all access.
type DependencyGraph struct {
	seq       map[string]int             // node -> registration sequence number
	names     []string                   // nodes in registration order
	providers map[string]map[string]bool // consumer -> set of providers it depends on
	consumers map[string]map[string]bool // provider -> set of consumers depending on it
}

func New() *DependencyGraph {
	return &DependencyGraph{
		seq:       make(map[string]int),
		providers: make(map[string]map[string]bool),
		consumers: make(map[string]map[string]bool),
	}
}

// AddNode registers a name and assigns it the next sequence number. The
// sequence number is what keeps TopologicalOrder deterministic.
func (g *DependencyGraph) AddNode(name string) error {
	if _, ok := g.seq[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, name)
	}
	g.seq[name] = len(g.names)
	g.names = append(g.names, name)
	g.providers[name] = make(map[string]bool)
	g.consumers[name] = make(map[string]bool)
	return nil
}

// HasNode reports whether name is registered.
func (g *DependencyGraph) HasNode(name string) bool {
	_, ok := g.seq[name]
	return ok
}

// HasEdge reports whether the consumer→provider edge exists.
func (g *DependencyGraph) HasEdge(consumer, provider string) bool {
	return g.providers[consumer][provider]
}

// WouldCreateCycle reports whether adding consumer→provider closes a loop,
// i.e. whether a path provider → … → consumer already exists. Depth-first
// reachability from provider along dependency edges, O(V+E).
func (g *DependencyGraph) WouldCreateCycle(consumer, provider string) bool {
	if consumer == provider {
		return true
	}
	visited := make(map[string]bool, len(g.seq))
	stack := []string{provider}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == consumer {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		for dep := range g.providers[n] {
			if !visited[dep] {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// AddEdge inserts consumer→provider after checking both nodes exist and the
// edge cannot close a cycle. The check and the insert are one unit: on any
// failure the edge set is exactly what it was before the call. Re-adding an
// existing edge is a no-op.
func (g *DependencyGraph) AddEdge(consumer, provider string) error {
	if !g.HasNode(consumer) {
		return fmt.Errorf("%w: consumer %q", ErrUnknownNode, consumer)
	}
	if !g.HasNode(provider) {
		return fmt.Errorf("%w: provider %q", ErrUnknownNode, provider)
	}
	if g.providers[consumer][provider] {
		return nil
	}
	if g.WouldCreateCycle(consumer, provider) {
		return fmt.Errorf("%w: %q -> %q", ErrCycle, consumer, provider)
	}
	g.providers[consumer][provider] = true
	g.consumers[provider][consumer] = true
	return nil
}

// TopologicalOrder linearizes the graph so every provider appears before all
// of its consumers. Stable variant of Kahn's algorithm: the ready set is
// ordered by registration sequence number, so two graphs with identical
// edges and identical registration history always produce the same order,
// and unrelated capabilities come out in registration order.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	remaining := make(map[string]int, len(g.names))
	ready := make([]string, 0, len(g.names))
	for _, name := range g.names {
		remaining[name] = len(g.providers[name])
		if remaining[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		// Lowest registration sequence first.
		sort.Slice(ready, func(i, j int) bool { return g.seq[ready[i]] < g.seq[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for consumer := range g.consumers[next] {
			remaining[consumer]--
			if remaining[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}

	if len(order) != len(g.names) {
		return nil, fmt.Errorf("%w: emitted %d of %d nodes", ErrInvariant, len(order), len(g.names))
	}
	return order, nil
}

// Len returns the node count.
func (g *DependencyGraph) Len() int { return len(g.names) }

// Edges returns a stable snapshot of all consumer→provider pairs, ordered by
// consumer then provider sequence. Used by tests to verify atomicity of
// rejected operations.
func (g *DependencyGraph) Edges() [][2]string {
	edges := make([][2]string, 0)
	for _, consumer := range g.names {
		deps := make([]string, 0, len(g.providers[consumer]))
		for p := range g.providers[consumer] {
			deps = append(deps, p)
		}
		sort.Slice(deps, func(i, j int) bool { return g.seq[deps[i]] < g.seq[deps[j]] })
		for _, p := range deps {
			edges = append(edges, [2]string{consumer, p})
		}
	}
	return edges
}
