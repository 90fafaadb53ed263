package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// OperationQueue is the queue surface the processor drives. Implemented by
// queue.Service.
type OperationQueue interface {
	Users(ctx context.Context, activeOnly bool) ([]string, error)
	Dequeue(ctx context.Context, userID string, limit int) ([]protocol.QueuedOperation, error)
	Ack(ctx context.Context, op protocol.QueuedOperation) error
	Nack(ctx context.Context, op protocol.QueuedOperation, cause error) (bool, error)
	ReportSlowOperation(op protocol.QueuedOperation, elapsed time.Duration)
}

// OperationApplier writes one queued operation to the canonical store.
// Implemented by reconcile.Applier.
type OperationApplier interface {
	Apply(ctx context.Context, op protocol.QueuedOperation) (*store.Entity, error)
}

// ProcessorOptions configures a QueueProcessor.
type ProcessorOptions struct {
	// BatchSize is the number of operations claimed per user per cycle.
	BatchSize int
	// Concurrency is the number of users processed in parallel.
	Concurrency int
	// PollInterval is the delay between cycles.
	PollInterval time.Duration
	// ProcessingTimeout is the duration above which an operation is
	// reported as slow. Processing is never aborted.
	ProcessingTimeout time.Duration
}

// QueueProcessor claims queued operations and applies them. Users are
// processed concurrently; a user's batch is applied in dequeue order so
// that a create is applied before updates to the same entity.
type QueueProcessor struct {
	queue   OperationQueue
	applier OperationApplier
	clock   clock.Clock
	opts    ProcessorOptions
}

// NewQueueProcessor creates a QueueProcessor.
func NewQueueProcessor(q OperationQueue, applier OperationApplier, clk clock.Clock, opts ProcessorOptions) *QueueProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &QueueProcessor{queue: q, applier: applier, clock: clk, opts: opts}
}

// Run processes the queue on every poll interval until ctx is cancelled.
func (p *QueueProcessor) Run(ctx context.Context) {
	runEvery(ctx, p.clock, "queue-processor", p.opts.PollInterval, true, func(ctx context.Context) {
		p.ProcessOnce(ctx)
	})
}

// ProcessOnce runs one cycle over every user with pending work and returns
// the number of operations attempted.
func (p *QueueProcessor) ProcessOnce(ctx context.Context) int {
	users, err := p.queue.Users(ctx, true)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to list queue users",
				"component", "worker",
				"worker", "queue-processor",
				"action", "list_users_failed",
				"error", err,
			)
		}
		return 0
	}

	counts := make([]int, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, userID := range users {
		g.Go(func() error {
			counts[i] = p.processUser(gctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		slog.Debug("queue processing cycle completed",
			"component", "worker",
			"worker", "queue-processor",
			"action", "cycle_complete",
			"users", len(users),
			"operations", total,
		)
	}
	return total
}

func (p *QueueProcessor) processUser(ctx context.Context, userID string) int {
	ops, err := p.queue.Dequeue(ctx, userID, p.opts.BatchSize)
	if err != nil {
		return 0
	}
	for i, op := range ops {
		if ctx.Err() != nil {
			// Unprocessed claims are returned to pending by lease recovery.
			return i
		}
		p.process(ctx, op)
	}
	return len(ops)
}

func (p *QueueProcessor) process(ctx context.Context, op protocol.QueuedOperation) {
	start := p.clock.Now()
	_, applyErr := p.applier.Apply(ctx, op)
	elapsed := p.clock.Now().Sub(start)

	if p.opts.ProcessingTimeout > 0 && elapsed > p.opts.ProcessingTimeout {
		p.queue.ReportSlowOperation(op, elapsed)
	}

	if applyErr == nil {
		if err := p.queue.Ack(ctx, op); err != nil {
			slog.Warn("failed to complete operation",
				"component", "worker",
				"worker", "queue-processor",
				"action", "ack_failed",
				"operation_id", op.ID,
				"error", err,
			)
		}
		return
	}

	retried, err := p.queue.Nack(ctx, op, applyErr)
	if err != nil {
		slog.Warn("failed to record operation failure",
			"component", "worker",
			"worker", "queue-processor",
			"action", "nack_failed",
			"operation_id", op.ID,
			"error", err,
		)
		return
	}
	slog.Info("queued operation failed",
		"component", "worker",
		"worker", "queue-processor",
		"action", "operation_failed",
		"operation_id", op.ID,
		"user_id", op.UserID,
		"kind", string(op.Kind),
		"retried", retried,
		"error", applyErr,
		"duration_ms", elapsed.Milliseconds(),
	)
}
