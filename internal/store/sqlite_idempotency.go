package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncResponse returns the cached response for a user's sync request id
// and true when it exists and has not expired.
func (s *SQLiteStore) GetSyncResponse(ctx context.Context, userID, requestID string, now time.Time) ([]byte, bool, error) {
	var response string
	err := s.db.QueryRowContext(ctx, `
		SELECT response FROM sync_idempotency
		WHERE user_id = ? AND request_id = ? AND expires_at > ?
	`, userID, requestID, formatTime(now)).Scan(&response)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}
	return []byte(response), true, nil
}

// SaveSyncResponse records a processed sync request for replay.
func (s *SQLiteStore) SaveSyncResponse(ctx context.Context, userID, requestID string, response []byte, now time.Time, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_idempotency (user_id, request_id, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, requestID, string(response), formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("record sync idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_idempotency WHERE expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}
