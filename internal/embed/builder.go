package embed

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lyncup/engine/internal/ann"
	"github.com/lyncup/engine/internal/likes"
)

// ErrNoLikes means the like table was empty; no artifact is emitted and any
// previous artifact stays valid.
var ErrNoLikes = errors.New("embed: no like data to build from")

// BuildParams extend the embedding parameters with the graph and index
// settings of one artifact build.
type BuildParams struct {
	Params
	NumTrees         int
	ReciprocalWeight float64
}

// DefaultBuildParams returns the production build parameters.
func DefaultBuildParams() BuildParams {
	return BuildParams{
		Params:           Params{}.Defaults(),
		NumTrees:         10,
		ReciprocalWeight: 0.5,
	}
}

// BuildArtifact runs the full offline job: graph construction, embedding,
// index assembly, and the atomic artifact write into dir. Any sub-step
// failure aborts the whole build, leaving the previous artifact in place.
func BuildArtifact(edges []likes.Edge, p BuildParams, embedder Embedder, dir string) (*ann.Index, error) {
	if len(edges) == 0 {
		return nil, ErrNoLikes
	}
	if p.NumTrees == 0 {
		p.NumTrees = 10
	}
	if p.ReciprocalWeight == 0 {
		p.ReciprocalWeight = 0.5
	}
	if embedder == nil {
		embedder = Node2Vec{}
	}
	p.Params = p.Params.Defaults()

	start := time.Now()
	g := BuildGraph(edges, p.ReciprocalWeight)
	slog.Info("[Builder] Graph constructed",
		"nodes", g.NodeCount(), "edges", g.EdgeCount(), "likes", len(edges))

	vectors, err := embedder.Embed(g, p.Params)
	if err != nil {
		return nil, fmt.Errorf("embed graph: %w", err)
	}
	slog.Info("[Builder] Embedding trained",
		"users", len(vectors), "dimensions", p.Dimensions)

	index, err := ann.Build(vectors, p.Dimensions, p.NumTrees, int64(p.Seed))
	if err != nil {
		return nil, fmt.Errorf("build ann index: %w", err)
	}

	if err := index.Save(dir); err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}
	slog.Info("[Builder] Artifact written",
		"dir", dir, "users", index.Size(), "trees", p.NumTrees, "duration", time.Since(start))
	return index, nil
}
