// Package ann implements an approximate nearest neighbor index over user
// embedding vectors: a forest of random-projection trees under the angular
// metric, persisted as a binary index file plus a JSON sidecar mapping user
// ids to dense slots.
package ann

import (
	"container/heap"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// MetricAngular is the only supported metric.
const MetricAngular = "angular"

// node is one node of a projection tree. Leaf nodes carry Items; internal
// nodes carry a splitting hyperplane and child offsets into the flat node
// slice.
type node struct {
	Plane []float64
	Left  int32
	Right int32
	Items []int32
}

func (n *node) leaf() bool { return n.Plane == nil }

// Index answers approximate nearest-neighbor queries. Read-only after build
// or load; safe for concurrent readers.
type Index struct {
	dim      int
	numTrees int
	vectors  [][]float64
	norms    []float64
	nodes    []node
	roots    []int32
	slotOf   map[int64]int
	userOf   []int64
}

// Dim returns the embedding dimensionality.
func (ix *Index) Dim() int { return ix.dim }

// NumTrees returns the forest size.
func (ix *Index) NumTrees() int { return ix.numTrees }

// Size returns the number of indexed users.
func (ix *Index) Size() int { return len(ix.vectors) }

// HasUser reports whether the user is indexed.
func (ix *Index) HasUser(userID int64) bool {
	_, ok := ix.slotOf[userID]
	return ok
}

// Slot returns the dense slot of a user.
func (ix *Index) Slot(userID int64) (int, bool) {
	slot, ok := ix.slotOf[userID]
	return slot, ok
}

// User returns the user id occupying a slot.
func (ix *Index) User(slot int) (int64, bool) {
	if slot < 0 || slot >= len(ix.userOf) {
		return 0, false
	}
	return ix.userOf[slot], true
}

// angular returns the angular distance between two slots: 2 - 2·cos(u, v).
func (ix *Index) angular(a, b int) float64 {
	na, nb := ix.norms[a], ix.norms[b]
	if na == 0 || nb == 0 {
		return 2
	}
	return 2 - 2*floats.Dot(ix.vectors[a], ix.vectors[b])/(na*nb)
}

// searchItem is a priority-queue entry during forest traversal.
type searchItem struct {
	priority float64
	node     int32
}

type searchQueue []searchItem

func (q searchQueue) Len() int            { return len(q) }
func (q searchQueue) Less(i, j int) bool  { return q[i].priority > q[j].priority }
func (q searchQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *searchQueue) Push(x interface{}) { *q = append(*q, x.(searchItem)) }
func (q *searchQueue) Pop() interface{} {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// TopK returns up to n slots nearest to the query slot, nearest first. The
// query slot itself is always among the results. Recall is approximate: the
// forest is traversed best-margin-first until roughly n·numTrees candidates
// have been gathered.
func (ix *Index) TopK(slot, n int) []int {
	if slot < 0 || slot >= len(ix.vectors) || n <= 0 {
		return nil
	}
	query := ix.vectors[slot]
	searchK := n * ix.numTrees

	pq := make(searchQueue, 0, len(ix.roots))
	for _, root := range ix.roots {
		pq = append(pq, searchItem{priority: math.Inf(1), node: root})
	}
	heap.Init(&pq)

	seen := map[int32]bool{int32(slot): true}
	candidates := []int{slot}
	for pq.Len() > 0 && len(candidates) < searchK {
		it := heap.Pop(&pq).(searchItem)
		nd := &ix.nodes[it.node]
		if nd.leaf() {
			for _, item := range nd.Items {
				if !seen[item] {
					seen[item] = true
					candidates = append(candidates, int(item))
				}
			}
			continue
		}
		margin := floats.Dot(nd.Plane, query)
		near, far := nd.Left, nd.Right
		if margin < 0 {
			near, far = far, near
			margin = -margin
		}
		heap.Push(&pq, searchItem{priority: it.priority, node: near})
		heap.Push(&pq, searchItem{priority: math.Min(it.priority, margin), node: far})
	}

	sort.Slice(candidates, func(i, j int) bool {
		// The query itself sorts first regardless of float noise.
		if candidates[i] == slot {
			return true
		}
		if candidates[j] == slot {
			return false
		}
		di, dj := ix.angular(slot, candidates[i]), ix.angular(slot, candidates[j])
		if di == dj {
			return candidates[i] < candidates[j]
		}
		return di < dj
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// TopKByUser is TopK addressed by user id. Returns nil for unknown users.
func (ix *Index) TopKByUser(userID int64, n int) []int {
	slot, ok := ix.slotOf[userID]
	if !ok {
		return nil
	}
	return ix.TopK(slot, n)
}
