package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/quire/internal/snapshot"
	"github.com/hyperengineering/quire/pkg/clock"
)

// SnapshotCapableStore represents a store that can generate snapshots.
// Implemented by store.SQLiteStore.
type SnapshotCapableStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotCoordinator periodically snapshots the canonical database and
// uploads the result when object storage is configured.
type SnapshotCoordinator struct {
	store    SnapshotCapableStore
	uploader snapshot.Uploader
	clock    clock.Clock
	interval time.Duration
}

// NewSnapshotCoordinator creates a SnapshotCoordinator. The uploader is
// optional; if nil, no upload is attempted.
func NewSnapshotCoordinator(store SnapshotCapableStore, uploader snapshot.Uploader, clk clock.Clock, interval time.Duration) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:    store,
		uploader: uploader,
		clock:    clk,
		interval: interval,
	}
}

// Run generates a snapshot immediately and then on every interval until ctx
// is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	runEvery(ctx, c.clock, "snapshot-coordinator", c.interval, true, func(ctx context.Context) {
		c.SnapshotOnce(ctx)
	})
}

// SnapshotOnce generates and uploads one snapshot. It reports whether the
// local snapshot was written; upload failures leave it valid.
func (c *SnapshotCoordinator) SnapshotOnce(ctx context.Context) bool {
	start := c.clock.Now()

	if err := c.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	if c.uploader != nil {
		c.upload(ctx)
	}

	slog.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_complete",
		"duration_ms", c.clock.Now().Sub(start).Milliseconds(),
	)
	return true
}

func (c *SnapshotCoordinator) upload(ctx context.Context) {
	path, err := c.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
	)
}
