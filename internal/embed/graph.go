// Package embed builds the weighted likes graph and learns a vector per user
// from biased random walks over it (node2vec-style walks feeding a skip-gram
// model). The ANN indexer only depends on the resulting id→vector map.
package embed

import (
	"sort"

	"github.com/lyncup/engine/internal/likes"
)

// Graph is a directed, float-weighted graph over user ids. Built once per
// embedding run and discarded afterwards.
type Graph struct {
	adj map[int64]map[int64]float64
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{adj: make(map[int64]map[int64]float64)}
}

func (g *Graph) addWeight(u, v int64, w float64) {
	if g.adj[u] == nil {
		g.adj[u] = make(map[int64]float64)
	}
	g.adj[u][v] += w
	// Both endpoints are nodes even when v has no outgoing edges.
	if g.adj[v] == nil {
		g.adj[v] = make(map[int64]float64)
	}
}

// HasEdge reports whether a directed edge u→v exists.
func (g *Graph) HasEdge(u, v int64) bool {
	_, ok := g.adj[u][v]
	return ok
}

// Weight returns the weight of edge u→v, or 0 if absent.
func (g *Graph) Weight(u, v int64) float64 {
	return g.adj[u][v]
}

// Successors returns the out-neighbors of u with their weights. The returned
// maps are live; callers must not mutate them.
func (g *Graph) Successors(u int64) map[int64]float64 {
	return g.adj[u]
}

// Nodes returns all node ids in ascending order.
func (g *Graph) Nodes() []int64 {
	nodes := make([]int64, 0, len(g.adj))
	for id := range g.adj {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.adj)
}

// EdgeCount returns the number of directed edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, succ := range g.adj {
		n += len(succ)
	}
	return n
}

// BuildGraph constructs the embedding graph from like edges.
//
// Forward edges accumulate weight on duplicate (from, to) keys. After all
// forwards are in, every (u, v) whose reverse (v, u) was absent from the
// original input gets a synthetic (v, u) edge weighted reciprocalWeight
// times the accumulated forward weight. A reverse edge that existed in the
// input, at any weight, suppresses synthesis.
func BuildGraph(edges []likes.Edge, reciprocalWeight float64) *Graph {
	g := NewGraph()

	original := make(map[[2]int64]bool, len(edges))
	for _, e := range edges {
		original[[2]int64{e.From, e.To}] = true
	}

	for _, e := range edges {
		g.addWeight(e.From, e.To, e.Weight)
	}

	// Snapshot the accumulated forwards before synthesizing so reverse
	// edges never cascade into further synthesis.
	type fwd struct {
		u, v int64
		w    float64
	}
	var forwards []fwd
	for u, succ := range g.adj {
		for v, w := range succ {
			forwards = append(forwards, fwd{u, v, w})
		}
	}

	for _, f := range forwards {
		if !original[[2]int64{f.v, f.u}] {
			g.addWeight(f.v, f.u, f.w*reciprocalWeight)
		}
	}
	return g
}
