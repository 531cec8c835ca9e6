// Package module implements the per-revision linkage object described in
// spec §3 ("Module") and the arena-indexed dependents graph called for by
// Design Notes §9: "Represent the module graph as arena-allocated nodes
// addressed by indices; dependents lists are vectors of indices. Refresh
// walks indices, avoiding recursion on graphs that may contain cycles via
// require-bundle."
package module

import (
	"fmt"
	"sync"

	"github.com/modulehost/framework/revision"
)

// Capability is a named, attributed thing a module's revision declares it
// exports. The full capability-namespace semantics belong to the external
// Resolver/ManifestParser (spec §1); this is the shape the resolver
// contract operates on.
type Capability struct {
	Namespace  string
	Attributes map[string]string
}

// Requirement is a named, filtered thing a module's revision declares it
// needs satisfied by some other module's Capability.
type Requirement struct {
	Namespace string
	Filter    string
	Dynamic   bool
}

// Definition is the resolver's view of one revision's declared linkage:
// capabilities, requirements, dynamic requirements, and native libraries.
type Definition struct {
	SymbolicName    string
	Version         string
	Capabilities    []Capability
	Requirements    []Requirement
	NativeLibraries []string
}

// DependentKind distinguishes why a module depends on another.
type DependentKind int

const (
	// Importer depends via a package import wired to a capability.
	Importer DependentKind = iota
	// Requirer depends via a require-bundle wiring.
	Requirer
)

// Wiring is the resolver's output for one module: which other modules'
// capabilities satisfy this module's requirements. Populated by the
// external Resolver on successful resolve (spec §4.4 "Resolve").
type Wiring struct {
	Satisfied map[int]Capability // index of the providing module -> the capability used
}

// Module is the resolver-facing linkage object for one bundle revision,
// identified as "<bundle_id>.<revision_index>" (spec §3).
type Module struct {
	BundleID      int64
	RevisionIndex int
	Definition    *Definition
	Revision      revision.Revision
	Wiring        *Wiring

	index int // position in the owning Graph's arena
}

// ID returns the module's "<bundle_id>.<revision_index>" identifier.
func (m *Module) ID() string {
	return fmt.Sprintf("%d.%d", m.BundleID, m.RevisionIndex)
}

// Index returns this module's arena index within its owning Graph.
func (m *Module) Index() int {
	return m.index
}

type edge struct {
	to   int
	kind DependentKind
}

// Graph is an arena of Modules addressed by index, with a forward
// "dependents" adjacency list per node: node i's dependents are the
// modules wired to (dependent on) node i's capabilities/bundle.
//
// Indices are stable for the lifetime of a Graph: Remove tombstones a slot
// rather than compacting, so that other modules' edge lists (which
// reference it by index) never dangle mid-walk.
type Graph struct {
	mtx   sync.Mutex
	nodes []*Module    // nil at a tombstoned index
	edges [][]edge     // edges[i] = dependents of nodes[i]
	byID  map[string]int
}

// NewGraph returns an empty module graph.
func NewGraph() *Graph {
	return &Graph{byID: map[string]int{}}
}

// Add inserts m into the arena and returns its index.
func (g *Graph) Add(m *Module) int {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	idx := len(g.nodes)
	m.index = idx
	g.nodes = append(g.nodes, m)
	g.edges = append(g.edges, nil)
	g.byID[m.ID()] = idx
	return idx
}

// Index returns the arena index for module id, and whether it was found.
func (g *Graph) Index(id string) (int, bool) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	idx, ok := g.byID[id]
	return idx, ok
}

// At returns the module at idx, or nil if idx is tombstoned/out of range.
func (g *Graph) At(idx int) *Module {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if idx < 0 || idx >= len(g.nodes) {
		return nil
	}
	return g.nodes[idx]
}

// AddDependent records that the module at dependentIdx depends on the
// module at idx (an importer or requirer edge, per spec §3 "Module"
// carrying dependents split into importers and requirers).
func (g *Graph) AddDependent(idx, dependentIdx int, kind DependentKind) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if idx < 0 || idx >= len(g.edges) {
		return
	}
	g.edges[idx] = append(g.edges[idx], edge{to: dependentIdx, kind: kind})
}

// Dependents returns the indices of modules wired to (dependent on) the
// module at idx, or nil if it has none.
func (g *Graph) Dependents(idx int) []int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if idx < 0 || idx >= len(g.edges) || len(g.edges[idx]) == 0 {
		return nil
	}
	out := make([]int, 0, len(g.edges[idx]))
	for _, e := range g.edges[idx] {
		out = append(out, e.to)
	}
	return out
}

// Importers returns the indices of modules depending on idx via Importer
// edges only.
func (g *Graph) Importers(idx int) []int {
	return g.dependentsOfKind(idx, Importer)
}

// Requirers returns the indices of modules depending on idx via Requirer
// edges only.
func (g *Graph) Requirers(idx int) []int {
	return g.dependentsOfKind(idx, Requirer)
}

func (g *Graph) dependentsOfKind(idx int, kind DependentKind) []int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if idx < 0 || idx >= len(g.edges) {
		return nil
	}
	var out []int
	for _, e := range g.edges[idx] {
		if e.kind == kind {
			out = append(out, e.to)
		}
	}
	return out
}

// Remove tombstones the module at idx: the slot becomes nil and its
// outgoing edge list is cleared, but the index itself is never reused so
// that other nodes' edge lists remain valid to walk (they will simply
// resolve a tombstoned target to nil via At). Used when the module
// factory wipes a bundle's modules during refresh (spec §4.5 step 6).
func (g *Graph) Remove(idx int) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if idx < 0 || idx >= len(g.nodes) {
		return
	}
	if m := g.nodes[idx]; m != nil {
		delete(g.byID, m.ID())
	}
	g.nodes[idx] = nil
	g.edges[idx] = nil
}

// TransitiveDependents walks outward from the given seed indices,
// following dependents edges breadth-first (iteratively, not recursively,
// so that require-bundle cycles terminate), and returns every reached
// index including the seeds, each exactly once.
func (g *Graph) TransitiveDependents(seeds []int) []int {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	seen := map[int]bool{}
	var order []int
	var queue []int
	for _, s := range seeds {
		if !seen[s] {
			seen[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		if cur < 0 || cur >= len(g.edges) {
			continue
		}
		for _, e := range g.edges[cur] {
			if !seen[e.to] {
				seen[e.to] = true
				queue = append(queue, e.to)
			}
		}
	}
	return order
}
