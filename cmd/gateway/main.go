// The gateway process owns the websocket push subscriptions: connected
// users join the shared waiting set and receive their room assignment the
// moment the scheduler publishes it.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/lyncup/engine/internal/config"
	"github.com/lyncup/engine/internal/gateway"
	"github.com/lyncup/engine/internal/infra"
	"github.com/lyncup/engine/internal/metrics"
	"github.com/lyncup/engine/internal/middleware"
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

	gw := gateway.New(store.New(redisAdapter), push.NewBus(redisAdapter))

	limiter := middleware.NewRateLimiter(cfg.ConnectRateLimit)
	defer limiter.Close()

	router := mux.NewRouter()
	router.Handle("/ws", limiter.Middleware(http.HandlerFunc(gw.HandleWS)))
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	server := &http.Server{
		Addr:        cfg.GatewayAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 90 * time.Second,
	}

	go func() {
		slog.Info("[Gateway] Listening", "addr", cfg.GatewayAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("[Gateway] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Gateway shutdown failed", "error", err)
	}
}
