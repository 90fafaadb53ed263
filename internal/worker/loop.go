// Package worker runs the server's background loops: queue processing,
// lease recovery, retention cleanup, alert checks and snapshots.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/quire/pkg/clock"
)

// runEvery calls fn on each tick until ctx is cancelled. With immediate set,
// fn also runs once before the first tick.
func runEvery(ctx context.Context, clk clock.Clock, name string, interval time.Duration, immediate bool, fn func(context.Context)) {
	slog.Info("worker started",
		"component", "worker",
		"worker", name,
		"action", "worker_started",
		"interval", interval.String(),
	)

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	if immediate {
		fn(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", name,
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C():
			fn(ctx)
		}
	}
}
