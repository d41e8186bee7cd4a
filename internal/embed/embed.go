package embed

import (
	"fmt"
	"math/rand"

	exprand "golang.org/x/exp/rand"
)

// Params control the walk sampling and skip-gram training. Zero values are
// replaced by defaults in Defaults().
type Params struct {
	Dimensions   int
	WalkLength   int
	WalksPerNode int
	ReturnParam  float64
	InOutParam   float64
	Window       int
	Epochs       int
	Seed         uint64
}

// Defaults fills unset fields with the standard parameters.
func (p Params) Defaults() Params {
	if p.Dimensions == 0 {
		p.Dimensions = 128
	}
	if p.WalkLength == 0 {
		p.WalkLength = 10
	}
	if p.WalksPerNode == 0 {
		p.WalksPerNode = 20
	}
	if p.ReturnParam == 0 {
		p.ReturnParam = 1.0
	}
	if p.InOutParam == 0 {
		p.InOutParam = 1.0
	}
	if p.Window == 0 {
		p.Window = 5
	}
	if p.Epochs == 0 {
		p.Epochs = 5
	}
	return p
}

// Embedder learns one vector per graph node. Implementations are free to use
// any technique that yields comparable vectors in a fixed dimension.
type Embedder interface {
	Embed(g *Graph, p Params) (map[int64][]float64, error)
}

// Node2Vec is the default Embedder: biased second-order random walks feeding
// a skip-gram model with negative sampling.
type Node2Vec struct{}

// Embed runs the walk and training pipeline. Fixed Seed gives reproducible
// vectors; callers must still not assume byte-equal artifacts across builds
// with different seeds.
func (Node2Vec) Embed(g *Graph, p Params) (map[int64][]float64, error) {
	p = p.Defaults()
	if g.NodeCount() == 0 {
		return nil, fmt.Errorf("embed: empty graph")
	}
	if p.ReturnParam <= 0 || p.InOutParam <= 0 {
		return nil, fmt.Errorf("embed: return/in-out params must be > 0 (got p=%g q=%g)", p.ReturnParam, p.InOutParam)
	}

	seed := p.Seed
	if seed == 0 {
		seed = exprand.Uint64()
	}

	w := newWalker(g, p.ReturnParam, p.InOutParam, exprand.NewSource(seed))
	corpus := w.corpus(p.WalksPerNode, p.WalkLength)

	trainer := newSGNS(corpus, p.Dimensions, p.Window, p.Epochs, rand.New(rand.NewSource(int64(seed))))
	trainer.train(corpus)
	return trainer.vectors(), nil
}
