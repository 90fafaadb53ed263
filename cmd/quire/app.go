package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/quire/internal/api"
	"github.com/hyperengineering/quire/internal/config"
	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/reconcile"
	"github.com/hyperengineering/quire/internal/snapshot"
	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/internal/worker"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// rateLimitIdle is how long a client's limiter is kept without requests.
const rateLimitIdle = 10 * time.Minute

type namedWorker struct {
	name string
	run  func(ctx context.Context)
}

// app holds the wired server components.
type app struct {
	cfg     *config.Config
	store   *store.SQLiteStore
	queue   *queue.Service
	handler *api.Handler
	workers []namedWorker

	stopAlertLog func()
}

// newApp opens the store and wires the queue, coordinator, HTTP handler and
// background workers from cfg.
func newApp(cfg *config.Config, clk clock.Clock) (*app, error) {
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Path != "" {
		db.SetSnapshotPath(cfg.Snapshot.Path)
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	bus := queue.NewAlertBus()
	q := queue.NewService(db, clk, bus, queueOptions(cfg.Queue))

	coord := reconcile.NewCoordinator(db, clk, reconcile.Options{
		ProtocolVersions: cfg.Sync.ProtocolVersions,
		MaxOperations:    cfg.Sync.MaxOperations,
		IdempotencyTTL:   reconcile.DefaultOptions().IdempotencyTTL,
	})

	uploader, err := snapshot.NewUploader(cfg.Snapshot.S3, clk)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot uploader: %w", err)
	}
	if cfg.Snapshot.S3.Enabled() {
		slog.Info("snapshot uploads enabled", "bucket", cfg.Snapshot.S3.Bucket)
	}

	handler := api.NewHandler(coord, q, db, uploader, api.Options{
		APIKey:          cfg.Auth.APIKey,
		Version:         Version,
		DefaultStrategy: protocol.Strategy(cfg.Sync.DefaultStrategy),
		RateLimit:       cfg.Sync.RateLimitPerSecond,
		RateBurst:       cfg.Sync.RateLimitBurst,
		Clock:           clk,
	})

	a := &app{
		cfg:          cfg,
		store:        db,
		queue:        q,
		handler:      handler,
		stopAlertLog: queue.LogAlerts(bus),
	}

	processor := worker.NewQueueProcessor(q, reconcile.NewApplier(db, clk), clk, worker.ProcessorOptions{
		BatchSize:         cfg.Queue.BatchSize,
		Concurrency:       cfg.Queue.Workers,
		PollInterval:      cfg.Queue.PollInterval.Std(),
		ProcessingTimeout: cfg.Queue.ProcessingTimeout.Std(),
	})
	a.workers = append(a.workers,
		namedWorker{"queue-processor", processor.Run},
		namedWorker{"recovery-coordinator", worker.NewRecoveryCoordinator(q, clk, cfg.Queue.RecoveryInterval.Std()).Run},
		namedWorker{"cleanup-coordinator", worker.NewCleanupCoordinator(q, db, clk, cfg.Queue.CleanupInterval.Std(), cfg.Queue.RetentionDays).Run},
		namedWorker{"alert-coordinator", worker.NewAlertCoordinator(q, clk, cfg.Queue.AlertCheckInterval.Std()).Run},
	)
	if cfg.Snapshot.Interval > 0 {
		sc := worker.NewSnapshotCoordinator(db, uploader, clk, cfg.Snapshot.Interval.Std())
		a.workers = append(a.workers, namedWorker{"snapshot-coordinator", sc.Run})
	}
	if rl := handler.RateLimiter(); rl != nil {
		a.workers = append(a.workers, namedWorker{"rate-limit-sweeper", func(ctx context.Context) {
			sweepRateLimiter(ctx, rl, clk)
		}})
	}
	return a, nil
}

func queueOptions(c config.QueueConfig) queue.Options {
	return queue.Options{
		MaxQueueSize:          c.MaxQueueSize,
		MaxRetries:            c.MaxRetries,
		ProcessingTimeout:     c.ProcessingTimeout.Std(),
		PendingAlertThreshold: c.PendingAlertThreshold,
	}
}

func sweepRateLimiter(ctx context.Context, rl *api.RateLimiter, clk clock.Clock) {
	ticker := clk.NewTicker(rateLimitIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := rl.Sweep(rateLimitIdle); n > 0 {
				slog.Debug("idle rate limiters removed", "worker", "rate-limit-sweeper", "count", n)
			}
		}
	}
}

// Close releases the store. Workers must have stopped.
func (a *app) Close() error {
	a.stopAlertLog()
	return a.store.Close()
}
