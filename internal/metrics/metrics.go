// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler tick metrics.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lyncup_ticks_total",
		Help: "Total number of scheduler ticks executed",
	})

	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyncup_ticks_skipped_total",
		Help: "Ticks skipped before matching, by reason",
	}, []string{"reason"})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lyncup_lock_contention_total",
		Help: "Ticks that found the scheduling lock held by another worker",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lyncup_tick_duration_seconds",
		Help:    "Wall time of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// Matching metrics.
	GroupsFormed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyncup_groups_formed_total",
		Help: "Matched groups emitted, by bucket",
	}, []string{"bucket"})

	UsersMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lyncup_users_matched_total",
		Help: "Users assigned a room and successfully notified",
	})

	WaitingUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyncup_waiting_users",
		Help: "Waiting-set size observed at the start of the last tick",
	})

	// Delivery metrics.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lyncup_publish_failures_total",
		Help: "Per-user room assignment publishes that failed",
	})

	// Gateway metrics.
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyncup_gateway_connections",
		Help: "Active websocket push subscriptions",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
