package embed

import (
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// walker generates second-order biased random walks (node2vec). With
// returnParam = inOutParam = 1 the bias disappears and walks degenerate to
// weighted DeepWalk.
type walker struct {
	graph       *Graph
	nodes       []int64
	succ        map[int64][]int64 // out-neighbors, ascending, for stable sampling
	returnParam float64
	inOutParam  float64
	rng         *rand.Rand
}

func newWalker(g *Graph, returnParam, inOutParam float64, src rand.Source) *walker {
	nodes := g.Nodes()
	succ := make(map[int64][]int64, len(nodes))
	for _, u := range nodes {
		out := make([]int64, 0, len(g.Successors(u)))
		for v := range g.Successors(u) {
			out = append(out, v)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		succ[u] = out
	}
	return &walker{
		graph:       g,
		nodes:       nodes,
		succ:        succ,
		returnParam: returnParam,
		inOutParam:  inOutParam,
		rng:         rand.New(src),
	}
}

// step samples the next node from cur, biased by the previous node. prev < 0
// means this is the first step (first-order, plain weighted sampling).
func (w *walker) step(prev, cur int64, first bool) (int64, bool) {
	out := w.succ[cur]
	if len(out) == 0 {
		return 0, false
	}

	weights := make([]float64, len(out))
	for i, x := range out {
		wt := w.graph.Weight(cur, x)
		if !first {
			switch {
			case x == prev:
				wt /= w.returnParam
			case w.graph.HasEdge(prev, x):
				// distance 1 from prev: unbiased
			default:
				wt /= w.inOutParam
			}
		}
		weights[i] = wt
	}

	sampler := sampleuv.NewWeighted(weights, w.rng)
	idx, ok := sampler.Take()
	if !ok {
		return 0, false
	}
	return out[idx], true
}

// walkFrom produces one walk of up to length nodes starting at start. Walks
// end early at nodes without out-neighbors.
func (w *walker) walkFrom(start int64, length int) []int64 {
	walk := make([]int64, 1, length)
	walk[0] = start

	var prev int64
	cur := start
	for len(walk) < length {
		next, ok := w.step(prev, cur, len(walk) == 1)
		if !ok {
			break
		}
		walk = append(walk, next)
		prev, cur = cur, next
	}
	return walk
}

// corpus runs walksPerNode walks of walkLength from every node and returns
// the full walk corpus.
func (w *walker) corpus(walksPerNode, walkLength int) [][]int64 {
	walks := make([][]int64, 0, len(w.nodes)*walksPerNode)
	for i := 0; i < walksPerNode; i++ {
		for _, start := range w.nodes {
			walks = append(walks, w.walkFrom(start, walkLength))
		}
	}
	return walks
}
