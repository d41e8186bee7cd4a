// The indexbuilder job builds the ANN artifact from the like graph: load
// likes from Postgres, train embeddings, write the index and its user↔slot
// maps atomically. Run it periodically (cron) or after bulk like imports.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/lyncup/engine/internal/config"
	"github.com/lyncup/engine/internal/embed"
	"github.com/lyncup/engine/internal/likes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	params, err := cfg.LoadBuilderParams()
	if err != nil {
		slog.Error("Failed to load builder params", "error", err)
		os.Exit(1)
	}

	source, err := likes.Open(cfg.PostgresDSN, cfg.ExternalWait)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	edges, err := source.LoadAllLikes(context.Background())
	if err != nil {
		slog.Error("Failed to load likes", "error", err)
		os.Exit(1)
	}

	_, err = embed.BuildArtifact(edges, embed.BuildParams{
		Params: embed.Params{
			Dimensions:   params.EmbedDimensions,
			WalkLength:   params.WalkLength,
			WalksPerNode: params.WalksPerNode,
			ReturnParam:  params.ReturnParam,
			InOutParam:   params.InOutParam,
			Window:       params.Window,
		},
		NumTrees:         params.NumTrees,
		ReciprocalWeight: params.ReciprocalWeight,
	}, nil, cfg.ArtifactDir)
	if errors.Is(err, embed.ErrNoLikes) {
		slog.Info("No like data found, skipping build; previous artifact (if any) stays valid")
		return
	}
	if err != nil {
		slog.Error("Artifact build failed", "error", err)
		os.Exit(1)
	}
}
