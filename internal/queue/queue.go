// Package queue implements the durable server-side operation queue: capacity
// checked enqueue, priority ordered claiming, retry accounting, lease
// recovery, retention cleanup, and threshold alerts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/internal/validation"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// Alert thresholds for failure rate.
const (
	failureRateMinProcessed = 10
	failureRateThreshold    = 0.5
)

// Repository is the persistence the queue needs.
type Repository interface {
	CountActive(ctx context.Context, userID string) (int, error)
	InsertOperations(ctx context.Context, ops []protocol.QueuedOperation, maxActive int) error
	ClaimOperations(ctx context.Context, userID string, now time.Time, limit int) ([]protocol.QueuedOperation, error)
	CompleteOperation(ctx context.Context, id string, generation int64, now time.Time) error
	FailOperation(ctx context.Context, id string, generation int64, cause string, now time.Time) (protocol.Status, error)
	RecoverStuck(ctx context.Context, userID string, cutoff, now time.Time) (int64, error)
	ListOperations(ctx context.Context, userID string, status protocol.Status) ([]protocol.QueuedOperation, error)
	GetOperation(ctx context.Context, id string) (*protocol.QueuedOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context, userID string) (protocol.QueueStats, error)
	QueueUsers(ctx context.Context, activeOnly bool) ([]string, error)
}

// Options configures a Service.
type Options struct {
	MaxQueueSize          int
	MaxRetries            int
	ProcessingTimeout     time.Duration
	PendingAlertThreshold int
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize:          1000,
		MaxRetries:            3,
		ProcessingTimeout:     30 * time.Second,
		PendingAlertThreshold: 100,
	}
}

// Service is the operation queue.
type Service struct {
	repo   Repository
	clock  clock.Clock
	alerts *AlertBus
	opts   Options
}

// NewService creates a queue over repo. A nil bus gets a private one.
func NewService(repo Repository, clk clock.Clock, alerts *AlertBus, opts Options) *Service {
	if alerts == nil {
		alerts = NewAlertBus()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	return &Service{
		repo:   repo,
		clock:  clk,
		alerts: alerts,
		opts:   opts,
	}
}

// Alerts returns the bus alerts are published on.
func (s *Service) Alerts() *AlertBus {
	return s.alerts
}

// Options returns the options in effect.
func (s *Service) Options() Options {
	return s.opts
}

// Enqueue validates and stores every operation of req atomically and
// returns their ids in request order. When the user's queue cannot take all
// of them nothing is stored, a queue_full alert is published, and the error
// wraps ErrQueueFull.
func (s *Service) Enqueue(ctx context.Context, req protocol.EnqueueRequest) ([]string, error) {
	if err := validation.ValidateEnqueueRequest(req); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = protocol.PriorityMedium
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.opts.MaxRetries
	}

	now := s.clock.Now()
	ops := make([]protocol.QueuedOperation, len(req.Operations))
	ids := make([]string, len(req.Operations))
	for i, o := range req.Operations {
		ids[i] = ulid.Make().String()
		ops[i] = protocol.QueuedOperation{
			ID:          ids[i],
			UserID:      req.UserID,
			DeviceID:    req.DeviceID,
			ClientID:    req.ClientID,
			Kind:        o.Kind,
			EntityType:  o.EntityType,
			EntityID:    o.EntityID,
			Payload:     o.Data,
			Priority:    priority,
			MaxRetries:  maxRetries,
			Status:      protocol.StatusPending,
			CreatedAt:   now,
			ScheduledAt: req.ScheduledAt,
		}
	}

	err := s.repo.InsertOperations(ctx, ops, s.opts.MaxQueueSize)
	if errors.Is(err, store.ErrCapacityExceeded) {
		s.publishQueueFull(ctx, req.UserID, len(ops))
		return nil, fmt.Errorf("%w: %d operations for user %s", ErrQueueFull, len(ops), req.UserID)
	}
	if err != nil {
		slog.Error("enqueue failed",
			"component", "queue",
			"action", "enqueue_failed",
			"user_id", req.UserID,
			"count", len(ops),
			"error", err,
		)
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	slog.Debug("operations enqueued",
		"component", "queue",
		"action", "enqueued",
		"user_id", req.UserID,
		"count", len(ops),
		"priority", string(priority),
	)
	return ids, nil
}

func (s *Service) publishQueueFull(ctx context.Context, userID string, requested int) {
	current, err := s.repo.CountActive(ctx, userID)
	if err != nil {
		current = -1
	}
	s.publish(protocol.AlertQueueFull, protocol.SeverityCritical, userID,
		fmt.Sprintf("queue full for user %s: %d active, %d requested, capacity %d",
			userID, current, requested, s.opts.MaxQueueSize),
		map[string]any{
			"current_size":   current,
			"requested":      requested,
			"max_queue_size": s.opts.MaxQueueSize,
		})
}

// Dequeue claims up to limit due operations for userID, highest priority
// first and oldest first within a priority. An empty result with a nil
// error means nothing is due.
func (s *Service) Dequeue(ctx context.Context, userID string, limit int) ([]protocol.QueuedOperation, error) {
	ops, err := s.repo.ClaimOperations(ctx, userID, s.clock.Now(), limit)
	if err != nil {
		slog.Error("dequeue failed",
			"component", "queue",
			"action", "dequeue_failed",
			"user_id", userID,
			"error", err,
		)
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return ops, nil
}

// MarkAsCompleted completes an operation. Completing an operation twice
// keeps the first completion time.
func (s *Service) MarkAsCompleted(ctx context.Context, id string) error {
	return s.complete(ctx, id, 0)
}

// Ack completes a claimed operation. A completion for a lease that has
// since been recovered and reclaimed is logged and ignored.
func (s *Service) Ack(ctx context.Context, op protocol.QueuedOperation) error {
	return s.complete(ctx, op.ID, op.Generation)
}

func (s *Service) complete(ctx context.Context, id string, generation int64) error {
	err := s.repo.CompleteOperation(ctx, id, generation, s.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("completion for unknown operation",
			"component", "queue",
			"action", "complete_not_found",
			"operation_id", id,
		)
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	case errors.Is(err, store.ErrStaleClaim):
		slog.Warn("stale completion ignored",
			"component", "queue",
			"action", "complete_stale",
			"operation_id", id,
			"generation", generation,
		)
		return nil
	default:
		slog.Error("complete failed",
			"component", "queue",
			"action", "complete_failed",
			"operation_id", id,
			"error", err,
		)
		return fmt.Errorf("complete operation: %w", err)
	}
}

// MarkAsFailed records a failed attempt. It reports whether the operation
// will be retried; once retries are exhausted it is failed permanently.
func (s *Service) MarkAsFailed(ctx context.Context, id string, cause error) (bool, error) {
	return s.fail(ctx, id, 0, cause)
}

// Nack records a failed attempt of a claimed operation. A failure for a
// stale lease is logged and ignored.
func (s *Service) Nack(ctx context.Context, op protocol.QueuedOperation, cause error) (bool, error) {
	return s.fail(ctx, op.ID, op.Generation, cause)
}

func (s *Service) fail(ctx context.Context, id string, generation int64, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	status, err := s.repo.FailOperation(ctx, id, generation, msg, s.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("failure for unknown operation",
			"component", "queue",
			"action", "fail_not_found",
			"operation_id", id,
		)
		return false, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	case errors.Is(err, store.ErrInvalidTransition):
		return false, fmt.Errorf("%w: %s is %s", ErrOperationTerminal, id, status)
	case errors.Is(err, store.ErrStaleClaim):
		slog.Warn("stale failure ignored",
			"component", "queue",
			"action", "fail_stale",
			"operation_id", id,
			"generation", generation,
		)
		return status == protocol.StatusPending, nil
	default:
		slog.Error("mark failed failed",
			"component", "queue",
			"action", "fail_failed",
			"operation_id", id,
			"error", err,
		)
		return false, fmt.Errorf("fail operation: %w", err)
	}

	retried := status == protocol.StatusPending
	slog.Info("operation attempt failed",
		"component", "queue",
		"action", "operation_failed",
		"operation_id", id,
		"retried", retried,
		"error", msg,
	)
	return retried, nil
}

// RecoverQueue returns operations whose lease outlived the processing
// timeout to pending, counting the lost attempt, and returns the user's
// pending operations in dequeue order. Each expired lease is reported as a
// slow operation first, so a worker that hangs still raises an alert. An
// empty userID recovers every user.
func (s *Service) RecoverQueue(ctx context.Context, userID string) ([]protocol.QueuedOperation, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.opts.ProcessingTimeout)

	s.reportExpiredLeases(ctx, userID, cutoff, now)

	n, err := s.repo.RecoverStuck(ctx, userID, cutoff, now)
	if err != nil {
		slog.Error("queue recovery failed",
			"component", "queue",
			"action", "recover_failed",
			"user_id", userID,
			"error", err,
		)
		return nil, fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		slog.Info("stuck operations recovered",
			"component", "queue",
			"action", "recovered",
			"user_id", userID,
			"count", n,
		)
	}

	pending, err := s.repo.ListOperations(ctx, userID, protocol.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return pending, nil
}

// CleanupOldOperations deletes completed and failed operations older than
// retentionDays and returns how many were removed.
func (s *Service) CleanupOldOperations(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("queue cleanup failed",
			"component", "queue",
			"action", "cleanup_failed",
			"error", err,
		)
		return 0, fmt.Errorf("cleanup operations: %w", err)
	}
	if n > 0 {
		slog.Info("old operations removed",
			"component", "queue",
			"action", "cleanup",
			"count", n,
			"retention_days", retentionDays,
		)
	}
	return n, nil
}

// Remove deletes an operation regardless of its status.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.DeleteOperation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return fmt.Errorf("remove operation: %w", err)
	}
	return nil
}

// Get returns an operation by id.
func (s *Service) Get(ctx context.Context, id string) (*protocol.QueuedOperation, error) {
	op, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// Stats returns per-status counts for a user.
func (s *Service) Stats(ctx context.Context, userID string) (protocol.QueueStats, error) {
	stats, err := s.repo.QueueStats(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Users returns users that own operations; with activeOnly, only those with
// pending or processing work.
func (s *Service) Users(ctx context.Context, activeOnly bool) ([]string, error) {
	users, err := s.repo.QueueUsers(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("queue users: %w", err)
	}
	return users, nil
}

// CheckAlertThreshold publishes and returns the alerts currently warranted
// for a user: too many pending operations, or a failure rate above half once
// more than ten operations have finished.
func (s *Service) CheckAlertThreshold(ctx context.Context, userID string) ([]protocol.Alert, error) {
	stats, err := s.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}

	alerts := make([]protocol.Alert, 0, 2)
	if s.opts.PendingAlertThreshold > 0 && stats.Pending > s.opts.PendingAlertThreshold {
		alerts = append(alerts, s.publish(protocol.AlertHighPendingCount, protocol.SeverityWarning, userID,
			fmt.Sprintf("user %s has %d pending operations (threshold %d)",
				userID, stats.Pending, s.opts.PendingAlertThreshold),
			map[string]any{
				"pending":   stats.Pending,
				"threshold": s.opts.PendingAlertThreshold,
			}))
	}
	if stats.Processed() > failureRateMinProcessed && stats.FailureRate > failureRateThreshold {
		alerts = append(alerts, s.publish(protocol.AlertHighFailureRate, protocol.SeverityError, userID,
			fmt.Sprintf("user %s failure rate %.0f%% over %d operations",
				userID, stats.FailureRate*100, stats.Processed()),
			map[string]any{
				"failed":       stats.Failed,
				"processed":    stats.Processed(),
				"failure_rate": stats.FailureRate,
			}))
	}
	return alerts, nil
}

// ReportSlowOperation publishes a processing_timeout warning for an
// operation whose processing took longer than the processing timeout.
func (s *Service) ReportSlowOperation(op protocol.QueuedOperation, elapsed time.Duration) {
	s.publish(protocol.AlertProcessingTimeout, protocol.SeverityWarning, op.UserID,
		fmt.Sprintf("operation %s took %s (timeout %s)", op.ID, elapsed, s.opts.ProcessingTimeout),
		map[string]any{
			"operation_id": op.ID,
			"elapsed_ms":   elapsed.Milliseconds(),
			"timeout_ms":   s.opts.ProcessingTimeout.Milliseconds(),
		})
}

func (s *Service) reportExpiredLeases(ctx context.Context, userID string, cutoff, now time.Time) {
	processing, err := s.repo.ListOperations(ctx, userID, protocol.StatusProcessing)
	if err != nil {
		slog.Warn("failed to list processing operations",
			"component", "queue",
			"action", "list_processing_failed",
			"user_id", userID,
			"error", err,
		)
		return
	}
	for _, op := range processing {
		if op.StartedAt != nil && op.StartedAt.Before(cutoff) {
			s.ReportSlowOperation(op, now.Sub(*op.StartedAt))
		}
	}
}

func (s *Service) publish(t protocol.AlertType, sev protocol.Severity, userID, msg string, data map[string]any) protocol.Alert {
	a := protocol.Alert{
		AlertID:   ulid.Make().String(),
		AlertType: t,
		Message:   msg,
		Severity:  sev,
		Timestamp: s.clock.Now(),
		UserID:    userID,
		Data:      data,
	}
	s.alerts.Publish(a)
	return a
}
