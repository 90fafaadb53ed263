package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// MaintainedQueue is the queue surface the maintenance coordinators use.
// Implemented by queue.Service.
type MaintainedQueue interface {
	Users(ctx context.Context, activeOnly bool) ([]string, error)
	RecoverQueue(ctx context.Context, userID string) ([]protocol.QueuedOperation, error)
	CleanupOldOperations(ctx context.Context, retentionDays int) (int64, error)
	CheckAlertThreshold(ctx context.Context, userID string) ([]protocol.Alert, error)
}

// IdempotencyCleaner drops expired sync replay records.
type IdempotencyCleaner interface {
	CleanExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// RecoveryCoordinator returns expired leases to the queue. It runs once on
// start so that work claimed before a restart is picked up again.
type RecoveryCoordinator struct {
	queue    MaintainedQueue
	clock    clock.Clock
	interval time.Duration
}

// NewRecoveryCoordinator creates a RecoveryCoordinator.
func NewRecoveryCoordinator(q MaintainedQueue, clk clock.Clock, interval time.Duration) *RecoveryCoordinator {
	return &RecoveryCoordinator{queue: q, clock: clk, interval: interval}
}

// Run blocks until ctx is cancelled.
func (c *RecoveryCoordinator) Run(ctx context.Context) {
	runEvery(ctx, c.clock, "recovery-coordinator", c.interval, true, c.RecoverOnce)
}

// RecoverOnce recovers expired leases across all users.
func (c *RecoveryCoordinator) RecoverOnce(ctx context.Context) {
	pending, err := c.queue.RecoverQueue(ctx, "")
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("queue recovery failed",
				"component", "worker",
				"worker", "recovery-coordinator",
				"action", "recover_failed",
				"error", err,
			)
		}
		return
	}
	slog.Debug("queue recovery completed",
		"component", "worker",
		"worker", "recovery-coordinator",
		"action", "cycle_complete",
		"pending", len(pending),
	)
}

// CleanupCoordinator removes finished operations past retention and expired
// sync replay records.
type CleanupCoordinator struct {
	queue         MaintainedQueue
	idempotency   IdempotencyCleaner
	clock         clock.Clock
	interval      time.Duration
	retentionDays int
}

// NewCleanupCoordinator creates a CleanupCoordinator. idempotency may be nil.
func NewCleanupCoordinator(q MaintainedQueue, idempotency IdempotencyCleaner, clk clock.Clock, interval time.Duration, retentionDays int) *CleanupCoordinator {
	return &CleanupCoordinator{
		queue:         q,
		idempotency:   idempotency,
		clock:         clk,
		interval:      interval,
		retentionDays: retentionDays,
	}
}

// Run waits for the first interval before cleaning up, then repeats until
// ctx is cancelled.
func (c *CleanupCoordinator) Run(ctx context.Context) {
	runEvery(ctx, c.clock, "cleanup-coordinator", c.interval, false, c.CleanupOnce)
}

// CleanupOnce performs one cleanup pass.
func (c *CleanupCoordinator) CleanupOnce(ctx context.Context) {
	start := time.Now()

	removed, err := c.queue.CleanupOldOperations(ctx, c.retentionDays)
	if err != nil && ctx.Err() == nil {
		slog.Error("operation cleanup failed",
			"component", "worker",
			"worker", "cleanup-coordinator",
			"action", "cleanup_failed",
			"error", err,
		)
	}

	var expired int64
	if c.idempotency != nil {
		expired, err = c.idempotency.CleanExpiredIdempotency(ctx, c.clock.Now())
		if err != nil && ctx.Err() == nil {
			slog.Error("idempotency cleanup failed",
				"component", "worker",
				"worker", "cleanup-coordinator",
				"action", "idempotency_cleanup_failed",
				"error", err,
			)
		}
	}

	slog.Info("cleanup cycle completed",
		"component", "worker",
		"worker", "cleanup-coordinator",
		"action", "cycle_complete",
		"operations_removed", removed,
		"replays_expired", expired,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// AlertCoordinator evaluates alert thresholds for every user with queued
// operations.
type AlertCoordinator struct {
	queue    MaintainedQueue
	clock    clock.Clock
	interval time.Duration
}

// NewAlertCoordinator creates an AlertCoordinator.
func NewAlertCoordinator(q MaintainedQueue, clk clock.Clock, interval time.Duration) *AlertCoordinator {
	return &AlertCoordinator{queue: q, clock: clk, interval: interval}
}

// Run blocks until ctx is cancelled.
func (c *AlertCoordinator) Run(ctx context.Context) {
	runEvery(ctx, c.clock, "alert-coordinator", c.interval, false, func(ctx context.Context) {
		c.CheckOnce(ctx)
	})
}

// CheckOnce evaluates every user and returns the number of alerts raised.
func (c *AlertCoordinator) CheckOnce(ctx context.Context) int {
	users, err := c.queue.Users(ctx, false)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to list queue users",
				"component", "worker",
				"worker", "alert-coordinator",
				"action", "list_users_failed",
				"error", err,
			)
		}
		return 0
	}

	raised := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return raised
		}
		alerts, err := c.queue.CheckAlertThreshold(ctx, userID)
		if err != nil {
			slog.Warn("alert check failed",
				"component", "worker",
				"worker", "alert-coordinator",
				"action", "check_failed",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		raised += len(alerts)
	}
	return raised
}
