package embed

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

const (
	negativeSamples = 5
	unigramPower    = 0.75
	unigramTableLen = 1 << 20
	startLearnRate  = 0.025
	minLearnRate    = 1e-4
)

// sgns trains skip-gram-with-negative-sampling vectors over a walk corpus.
// It is the standard word2vec formulation with walks as sentences and node
// ids as words.
type sgns struct {
	dim     int
	window  int
	epochs  int
	rng     *rand.Rand
	nodes   []int64
	slotOf  map[int64]int
	in      [][]float64 // learned vectors, one per node
	out     [][]float64 // context vectors
	unigram []int       // negative-sampling table over slots
}

func newSGNS(corpus [][]int64, dim, window, epochs int, rng *rand.Rand) *sgns {
	counts := make(map[int64]int)
	var nodes []int64
	for _, walk := range corpus {
		for _, id := range walk {
			if counts[id] == 0 {
				nodes = append(nodes, id)
			}
			counts[id]++
		}
	}

	slotOf := make(map[int64]int, len(nodes))
	for i, id := range nodes {
		slotOf[id] = i
	}

	t := &sgns{
		dim:    dim,
		window: window,
		epochs: epochs,
		rng:    rng,
		nodes:  nodes,
		slotOf: slotOf,
		in:     make([][]float64, len(nodes)),
		out:    make([][]float64, len(nodes)),
	}

	for i := range t.in {
		v := make([]float64, dim)
		for d := range v {
			v[d] = (rng.Float64() - 0.5) / float64(dim)
		}
		t.in[i] = v
		t.out[i] = make([]float64, dim)
	}

	t.buildUnigram(counts)
	return t
}

// buildUnigram fills the negative-sampling table with slots proportional to
// count^0.75, the word2vec smoothing.
func (t *sgns) buildUnigram(counts map[int64]int) {
	total := 0.0
	for _, id := range t.nodes {
		total += math.Pow(float64(counts[id]), unigramPower)
	}
	if total == 0 {
		return
	}

	table := make([]int, 0, unigramTableLen)
	cum := 0.0
	next := 0
	for slot, id := range t.nodes {
		cum += math.Pow(float64(counts[id]), unigramPower)
		limit := int(cum / total * unigramTableLen)
		for ; next < limit; next++ {
			table = append(table, slot)
		}
	}
	for ; next < unigramTableLen; next++ {
		table = append(table, len(t.nodes)-1)
	}
	t.unigram = table
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// trainPair applies one positive update and negativeSamples negative updates
// for (center, context).
func (t *sgns) trainPair(center, context int, lr float64) {
	grad := make([]float64, t.dim)
	v := t.in[center]

	for n := 0; n <= negativeSamples; n++ {
		var target int
		var label float64
		if n == 0 {
			target, label = context, 1
		} else {
			target = t.unigram[t.rng.Intn(len(t.unigram))]
			if target == context {
				continue
			}
			label = 0
		}
		u := t.out[target]
		g := (label - sigmoid(floats.Dot(v, u))) * lr
		floats.AddScaled(grad, g, u)
		floats.AddScaled(u, g, v)
	}
	floats.Add(v, grad)
}

// train runs the configured number of epochs over the corpus with a linearly
// decaying learning rate and the word2vec reduced-window trick.
func (t *sgns) train(corpus [][]int64) {
	totalWords := 0
	for _, walk := range corpus {
		totalWords += len(walk)
	}
	if totalWords == 0 {
		return
	}

	seen := 0
	total := totalWords * t.epochs
	for epoch := 0; epoch < t.epochs; epoch++ {
		for _, walk := range corpus {
			for i, id := range walk {
				seen++
				lr := startLearnRate * (1 - float64(seen)/float64(total+1))
				if lr < minLearnRate {
					lr = minLearnRate
				}

				center := t.slotOf[id]
				b := 1 + t.rng.Intn(t.window)
				for j := i - b; j <= i+b; j++ {
					if j < 0 || j >= len(walk) || j == i {
						continue
					}
					t.trainPair(center, t.slotOf[walk[j]], lr)
				}
			}
		}
	}
}

// vectors returns the learned id→vector map.
func (t *sgns) vectors() map[int64][]float64 {
	m := make(map[int64][]float64, len(t.nodes))
	for i, id := range t.nodes {
		m[id] = t.in[i]
	}
	return m
}
