package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler fires the dispatcher on a fixed period until the context is
// cancelled. Tick errors never escape a round: they are logged and the next
// round proceeds, since every taxonomy class recovers at the next tick.
type Scheduler struct {
	dispatcher *Dispatcher
	period     time.Duration
}

// NewScheduler wraps a dispatcher in a periodic runner.
func NewScheduler(d *Dispatcher, period time.Duration) *Scheduler {
	return &Scheduler{dispatcher: d, period: period}
}

// Run blocks, ticking every period, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("[Scheduler] Starting", "period", s.period)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := s.dispatcher.Tick(ctx); err != nil {
				slog.Error("[Scheduler] Tick aborted", "error", err)
			}
		}
	}
}
