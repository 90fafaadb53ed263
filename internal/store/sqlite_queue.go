package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hyperengineering/quire/pkg/protocol"
)

const operationColumns = `id, user_id, device_id, client_id, kind, entity_type, entity_id, payload,
	priority, retry_count, max_retries, status, last_error, generation,
	created_at, scheduled_at, started_at, completed_at`

// CountActive returns the number of pending and processing operations for a user.
func (s *SQLiteStore) CountActive(ctx context.Context, userID string) (int, error) {
	return countActive(ctx, s.db, userID)
}

func countActive(ctx context.Context, q queryer, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations
		WHERE user_id = ? AND status IN ('pending', 'processing')
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active operations: %w", err)
	}
	return n, nil
}

// InsertOperations stores ops atomically. When maxActive is positive the
// insert is refused with ErrCapacityExceeded if any user would end up with
// more than maxActive pending and processing operations.
func (s *SQLiteStore) InsertOperations(ctx context.Context, ops []protocol.QueuedOperation, maxActive int) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if maxActive > 0 {
		perUser := make(map[string]int)
		for _, op := range ops {
			perUser[op.UserID]++
		}
		for userID, n := range perUser {
			current, err := countActive(ctx, tx, userID)
			if err != nil {
				return err
			}
			if current+n > maxActive {
				return fmt.Errorf("%w: user %s has %d active, adding %d exceeds %d",
					ErrCapacityExceeded, userID, current, n, maxActive)
			}
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		_, err := stmt.ExecContext(ctx,
			op.ID, op.UserID, op.DeviceID, op.ClientID,
			string(op.Kind), string(op.EntityType), op.EntityID, nullablePayload(op.Payload),
			op.Priority.Rank(), op.RetryCount, op.MaxRetries, string(op.Status), op.LastError, op.Generation,
			formatTime(op.CreatedAt), nullableTime(op.ScheduledAt), nullableTime(op.StartedAt), nullableTime(op.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert operation %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ClaimOperations atomically moves up to limit due pending operations to
// processing and returns them in dequeue order. An empty userID claims
// across all users.
func (s *SQLiteStore) ClaimOperations(ctx context.Context, userID string, now time.Time, limit int) ([]protocol.QueuedOperation, error) {
	if limit <= 0 {
		return []protocol.QueuedOperation{}, nil
	}
	nowStr := formatTime(now)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE operations
		SET status = 'processing', started_at = ?, generation = generation + 1
		WHERE id IN (
			SELECT id FROM operations
			WHERE status = 'pending'
			  AND (? = '' OR user_id = ?)
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT ?
		) AND status = 'pending'
		RETURNING `+operationColumns,
		nowStr, userID, userID, nowStr, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim operations: %w", err)
	}
	ops, err := collectOperations(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sortDequeueOrder(ops)
	return ops, nil
}

// CompleteOperation marks a non-terminal operation completed. A generation
// of zero skips the claim check. Completing an already terminal operation is
// a no-op.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, id string, generation int64, now time.Time) error {
	query := `
		UPDATE operations SET status = 'completed', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`
	args := []any{formatTime(now), id}
	if generation > 0 {
		query += ` AND generation = ?`
		args = append(args, generation)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: operation %s at generation %d, completion for %d", ErrStaleClaim, id, op.Generation, generation)
}

// FailOperation records a failed attempt. The retry count is incremented;
// when it reaches max_retries the operation becomes failed, otherwise it is
// returned to pending with its lease cleared. The resulting status is
// returned.
func (s *SQLiteStore) FailOperation(ctx context.Context, id string, generation int64, cause string, now time.Time) (protocol.Status, error) {
	// SET expressions all read the pre-update row.
	query := `
		UPDATE operations SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE NULL END,
			last_error = ?,
			started_at = NULL
		WHERE id = ? AND status IN ('pending', 'processing')`
	args := []any{formatTime(now), cause, id}
	if generation > 0 {
		query += ` AND generation = ?`
		args = append(args, generation)
	}
	query += ` RETURNING status`

	var status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if err == nil {
		return protocol.Status(status), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("fail operation: %w", err)
	}

	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return "", err
	}
	if op.Status.Terminal() {
		return op.Status, fmt.Errorf("%w: operation %s is %s", ErrInvalidTransition, id, op.Status)
	}
	return op.Status, fmt.Errorf("%w: operation %s at generation %d, failure for %d", ErrStaleClaim, id, op.Generation, generation)
}

// RecoverStuck returns processing operations whose lease started before
// cutoff to pending, counting the lost attempt. Operations whose retries are
// exhausted by that attempt become failed. An empty userID recovers across
// all users.
func (s *SQLiteStore) RecoverStuck(ctx context.Context, userID string, cutoff, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE NULL END,
			last_error = CASE WHEN retry_count + 1 >= max_retries THEN 'processing timeout' ELSE last_error END,
			started_at = NULL
		WHERE status = 'processing'
		  AND started_at < ?
		  AND (? = '' OR user_id = ?)
	`, formatTime(now), formatTime(cutoff), userID, userID)
	if err != nil {
		return 0, fmt.Errorf("recover stuck operations: %w", err)
	}
	return result.RowsAffected()
}

// ListOperations returns operations with the given status in dequeue order.
// An empty userID lists across all users.
func (s *SQLiteStore) ListOperations(ctx context.Context, userID string, status protocol.Status) ([]protocol.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE (? = '' OR user_id = ?) AND status = ?
		ORDER BY priority ASC, created_at ASC, id ASC
	`, userID, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return collectOperations(rows)
}

// GetOperation returns an operation by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*protocol.QueuedOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return op, nil
}

// DeleteOperation removes an operation regardless of status.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteTerminalBefore removes completed and failed operations that finished
// (or, lacking a completion time, were created) before cutoff.
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE status IN ('completed', 'failed')
		  AND COALESCE(completed_at, created_at) < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal operations: %w", err)
	}
	return result.RowsAffected()
}

// QueueStats counts a user's operations per status.
func (s *SQLiteStore) QueueStats(ctx context.Context, userID string) (protocol.QueueStats, error) {
	stats := protocol.QueueStats{UserID: userID}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM operations WHERE user_id = ? GROUP BY status
	`, userID)
	if err != nil {
		return stats, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		switch protocol.Status(status) {
		case protocol.StatusPending:
			stats.Pending = n
		case protocol.StatusProcessing:
			stats.Processing = n
		case protocol.StatusCompleted:
			stats.Completed = n
		case protocol.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate rows: %w", err)
	}

	if processed := stats.Processed(); processed > 0 {
		stats.FailureRate = float64(stats.Failed) / float64(processed)
	}
	return stats, nil
}

// QueueUsers returns the users that own operations, sorted. With activeOnly
// only users with pending or processing operations are returned.
func (s *SQLiteStore) QueueUsers(ctx context.Context, activeOnly bool) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM operations`
	if activeOnly {
		query += ` WHERE status IN ('pending', 'processing')`
	}
	query += ` ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query queue users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan queue user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func collectOperations(rows *sql.Rows) ([]protocol.QueuedOperation, error) {
	defer rows.Close()

	ops := make([]protocol.QueuedOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ops, nil
}

func scanOperation(scanner interface{ Scan(...any) error }) (*protocol.QueuedOperation, error) {
	var op protocol.QueuedOperation
	var kind, entityType, status string
	var payload sql.NullString
	var rank int
	var createdAt string
	var scheduledAt, startedAt, completedAt sql.NullString

	err := scanner.Scan(
		&op.ID, &op.UserID, &op.DeviceID, &op.ClientID,
		&kind, &entityType, &op.EntityID, &payload,
		&rank, &op.RetryCount, &op.MaxRetries, &status, &op.LastError, &op.Generation,
		&createdAt, &scheduledAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = protocol.OperationKind(kind)
	op.EntityType = protocol.EntityType(entityType)
	op.Status = protocol.Status(status)
	op.Priority = protocol.PriorityFromRank(rank)
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	op.CreatedAt = parseTime("operations.created_at", createdAt)
	op.ScheduledAt = parseNullTime("operations.scheduled_at", scheduledAt)
	op.StartedAt = parseNullTime("operations.started_at", startedAt)
	op.CompletedAt = parseNullTime("operations.completed_at", completedAt)
	return &op, nil
}

func sortDequeueOrder(ops []protocol.QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
