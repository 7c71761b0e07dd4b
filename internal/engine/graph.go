package engine

import (
	"sort"

	"github.com/skiff-io/skiff/internal/ir"
)

// Graph is the directed acyclic dependency graph over every declaration in a
// run: variables, lookups, external references, managed resources, and
// outputs. Edges point from a consumer to the declaration producing the
// attribute it references.
type Graph struct {
	deps     map[string][]string // addr -> addresses it depends on
	revDeps  map[string][]string // addr -> addresses depending on it
	order    []string            // topological order
	revOrder []string            // reverse topological order (destruction)
}

// BuildGraph constructs the dependency graph for a configuration. It fails
// with DanglingRefError when a reference names a declaration absent from the
// run, and with CycleError (carrying the full cycle path) when the reference
// graph is not acyclic.
func BuildGraph(cfg *ir.Config) (*Graph, error) {
	edges := make(map[string][]string)

	for _, v := range cfg.Variables {
		edges[v.Addr()] = nil
	}
	for _, l := range cfg.Lookups {
		edges[l.Addr()] = append([]string(nil), l.Refs...)
	}
	for _, e := range cfg.Externals {
		edges[e.Addr()] = append([]string(nil), e.Refs...)
	}
	for _, r := range cfg.Resources {
		refs := append([]string(nil), r.Refs...)
		refs = append(refs, r.DependsOn...)
		edges[r.Addr()] = refs
	}
	for _, o := range cfg.Outputs {
		edges[o.Addr()] = append([]string(nil), o.Refs...)
	}

	for addr, refs := range edges {
		for _, ref := range refs {
			if _, ok := edges[ref]; !ok {
				return nil, &DanglingRefError{Addr: addr, Ref: ref}
			}
		}
	}

	return newGraph(edges)
}

// BuildStateGraph constructs a graph from state records alone, using the
// dependency addresses captured at apply time. Destroy runs plan against
// this graph since the configuration may no longer declare the resources.
func BuildStateGraph(records map[string]*ir.ResourceState) (*Graph, error) {
	edges := make(map[string][]string)
	for addr := range records {
		edges[addr] = nil
	}
	for addr, rec := range records {
		for _, dep := range rec.Dependencies {
			if _, ok := edges[dep]; ok {
				edges[addr] = append(edges[addr], dep)
			}
		}
	}
	return newGraph(edges)
}

func newGraph(edges map[string][]string) (*Graph, error) {
	g := &Graph{
		deps:    make(map[string][]string, len(edges)),
		revDeps: make(map[string][]string, len(edges)),
	}
	for addr, refs := range edges {
		g.deps[addr] = dedupeSorted(refs)
	}
	for addr, refs := range g.deps {
		for _, ref := range refs {
			g.revDeps[ref] = append(g.revDeps[ref], addr)
		}
	}
	for _, dependents := range g.revDeps {
		sort.Strings(dependents)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	g.revOrder = make([]string, len(order))
	for i, addr := range order {
		g.revOrder[len(order)-1-i] = addr
	}
	return g, nil
}

// Order returns declarations in dependency-respecting evaluation order.
func (g *Graph) Order() []string { return g.order }

// ReverseOrder returns the reverse topological order, safe for destruction.
func (g *Graph) ReverseOrder() []string { return g.revOrder }

// Dependencies returns the addresses a declaration depends on.
func (g *Graph) Dependencies(addr string) []string { return g.deps[addr] }

// Dependents returns the addresses depending on a declaration.
func (g *Graph) Dependents(addr string) []string { return g.revDeps[addr] }

// topoSort performs Kahn's algorithm. Ties between ready nodes are broken by
// address so every run over the same declarations yields the same order.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.deps))
	for addr, refs := range g.deps {
		inDegree[addr] = len(refs)
	}

	var ready []string
	for addr, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, addr)
		}
	}
	sort.Strings(ready)

	sorted := make([]string, 0, len(g.deps))
	for len(ready) > 0 {
		addr := ready[0]
		ready = ready[1:]
		sorted = append(sorted, addr)

		for _, dependent := range g.revDeps[addr] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(sorted) != len(g.deps) {
		return nil, &CycleError{Path: g.findCycle(inDegree)}
	}
	return sorted, nil
}

// findCycle walks the unsorted remainder of the graph to recover one full
// cycle path for the error report.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	var remaining []string
	for addr, deg := range inDegree {
		if deg > 0 {
			remaining = append(remaining, addr)
		}
	}
	sort.Strings(remaining)

	inRemainder := make(map[string]bool, len(remaining))
	for _, addr := range remaining {
		inRemainder[addr] = true
	}

	var stack []string
	onStack := make(map[string]int) // addr -> position in stack
	visited := make(map[string]bool)

	var dfs func(addr string) []string
	dfs = func(addr string) []string {
		onStack[addr] = len(stack)
		stack = append(stack, addr)
		for _, dep := range g.deps[addr] {
			if !inRemainder[dep] {
				continue
			}
			if pos, ok := onStack[dep]; ok {
				cycle := append([]string(nil), stack[pos:]...)
				return append(cycle, dep)
			}
			if !visited[dep] {
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, addr)
		visited[addr] = true
		return nil
	}

	for _, addr := range remaining {
		if !visited[addr] {
			if cycle := dfs(addr); cycle != nil {
				return cycle
			}
		}
	}
	return remaining
}

func dedupeSorted(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	sort.Strings(items)
	out := items[:1]
	for _, s := range items[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func insertSorted(items []string, s string) []string {
	i := sort.SearchStrings(items, s)
	items = append(items, "")
	copy(items[i+1:], items[i:])
	items[i] = s
	return items
}
