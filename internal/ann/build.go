package ann

import (
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// leafSize caps the number of items in a tree leaf.
const leafSize = 16

// Build assembles an index from an id→vector map. Node ids are sorted
// ascending to assign dense slots 0..N-1, then numTrees random-projection
// trees are grown over the vectors.
func Build(vectors map[int64][]float64, dim, numTrees int, seed int64) (*Index, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("ann: no vectors to index")
	}
	if numTrees < 1 {
		return nil, fmt.Errorf("ann: numTrees must be >= 1, got %d", numTrees)
	}

	ids := make([]int64, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ix := &Index{
		dim:      dim,
		numTrees: numTrees,
		vectors:  make([][]float64, len(ids)),
		norms:    make([]float64, len(ids)),
		slotOf:   make(map[int64]int, len(ids)),
		userOf:   make([]int64, len(ids)),
	}
	for slot, id := range ids {
		v := vectors[id]
		if len(v) != dim {
			return nil, fmt.Errorf("ann: vector for user %d has dim %d, want %d", id, len(v), dim)
		}
		ix.vectors[slot] = v
		ix.norms[slot] = floats.Norm(v, 2)
		ix.slotOf[id] = slot
		ix.userOf[slot] = id
	}

	rng := rand.New(rand.NewSource(seed))
	all := make([]int32, len(ids))
	for i := range all {
		all[i] = int32(i)
	}
	for t := 0; t < numTrees; t++ {
		items := make([]int32, len(all))
		copy(items, all)
		root := ix.grow(items, rng)
		ix.roots = append(ix.roots, root)
	}
	return ix, nil
}

// grow recursively builds one projection tree over items and returns the
// root's offset in the flat node slice.
func (ix *Index) grow(items []int32, rng *rand.Rand) int32 {
	if len(items) <= leafSize {
		ix.nodes = append(ix.nodes, node{Items: items})
		return int32(len(ix.nodes) - 1)
	}

	plane := ix.pickPlane(items, rng)
	var left, right []int32
	if plane != nil {
		for _, item := range items {
			if floats.Dot(plane, ix.vectors[item]) >= 0 {
				left = append(left, item)
			} else {
				right = append(right, item)
			}
		}
	}
	// Degenerate split (identical or zero vectors): divide at random so the
	// recursion still terminates.
	if len(left) == 0 || len(right) == 0 {
		plane = nil
		left, right = nil, nil
		for _, item := range items {
			if rng.Intn(2) == 0 {
				left = append(left, item)
			} else {
				right = append(right, item)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			mid := len(items) / 2
			left, right = items[:mid], items[mid:]
		}
	}
	if plane == nil {
		// A nil plane would read as a leaf; a zero plane routes queries left.
		plane = make([]float64, ix.dim)
	}

	// Reserve the parent before growing children so child offsets are known.
	ix.nodes = append(ix.nodes, node{Plane: plane})
	self := int32(len(ix.nodes) - 1)
	l := ix.grow(left, rng)
	r := ix.grow(right, rng)
	ix.nodes[self].Left = l
	ix.nodes[self].Right = r
	return self
}

// pickPlane builds a splitting hyperplane from the normalized difference of
// two random distinct items, the two-means shortcut used for the angular
// metric. Returns nil when no usable plane exists.
func (ix *Index) pickPlane(items []int32, rng *rand.Rand) []float64 {
	for attempt := 0; attempt < 5; attempt++ {
		a := ix.vectors[items[rng.Intn(len(items))]]
		b := ix.vectors[items[rng.Intn(len(items))]]
		plane := make([]float64, ix.dim)
		floats.SubTo(plane, a, b)
		norm := floats.Norm(plane, 2)
		if norm > 1e-12 {
			floats.Scale(1/norm, plane)
			return plane
		}
	}
	return nil
}
