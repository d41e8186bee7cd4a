// The scheduler process runs the matching engine: every tick it takes the
// cross-process lock, groups waiting users, allocates rooms, and pushes
// assignments.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/lyncup/engine/internal/ann"
	"github.com/lyncup/engine/internal/config"
	"github.com/lyncup/engine/internal/dispatch"
	"github.com/lyncup/engine/internal/infra"
	"github.com/lyncup/engine/internal/likes"
	"github.com/lyncup/engine/internal/match"
	"github.com/lyncup/engine/internal/metrics"
	"github.com/lyncup/engine/internal/push"
	"github.com/lyncup/engine/internal/store"
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

	redisAdapter, err := infra.NewGoRedisAdapter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisAdapter.Close()

	identity, err := likes.Open(cfg.PostgresDSN, cfg.ExternalWait)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer identity.Close()

	dispatcher := dispatch.New(
		store.New(redisAdapter),
		identity,
		push.NewBus(redisAdapter),
		ann.NewLoader(cfg.ArtifactDir),
		nil,
		match.Params{
			BatchSize: cfg.BatchSize,
			TopK:      cfg.TopK,
			MinGroup:  cfg.MinGroup,
			MaxGroup:  cfg.MaxGroup,
		},
		cfg.LockTTL,
	)

	go serveMetrics(cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := dispatch.NewScheduler(dispatcher, cfg.TickPeriod)
	if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("Scheduler stopped", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics server stopped", "error", err)
	}
}
