package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/quire/pkg/protocol"
)

// ConflictResolution marks a stored conflict resolved and writes the chosen
// state to the canonical store in one transaction. A nil Write only marks
// the conflict resolved.
type ConflictResolution struct {
	UserID     string
	ConflictID string
	Strategy   protocol.Strategy
	At         time.Time
	Write      *EntityWrite
}

const conflictColumns = `id, conflict_type, entity_type, entity_id, operation_id,
	local_data, local_version, local_timestamp,
	remote_data, remote_version, remote_timestamp,
	differing_fields, resolved, resolution, resolved_at, detected_at`

// InsertConflict persists a detected conflict.
func (s *SQLiteStore) InsertConflict(ctx context.Context, userID, clientID string, c protocol.Conflict) error {
	fields := c.DifferingFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal differing fields: %w", err)
	}

	var resolution any
	if c.Resolution != "" {
		resolution = string(c.Resolution)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (
			user_id, client_id, `+conflictColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		userID, clientID,
		c.ID, string(c.Type), string(c.EntityType), c.EntityID, c.OperationID,
		nullablePayload(c.LocalData), c.LocalVersion, zeroableTime(c.LocalTimestamp),
		nullablePayload(c.RemoteData), c.RemoteVersion, zeroableTime(c.RemoteTimestamp),
		string(fieldsJSON), c.Resolved, resolution, nullableTime(c.ResolvedAt), formatTime(c.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// GetConflict returns one of the user's conflicts.
func (s *SQLiteStore) GetConflict(ctx context.Context, userID, id string) (*protocol.Conflict, error) {
	return getConflict(ctx, s.db, userID, id)
}

func getConflict(ctx context.Context, q queryer, userID, id string) (*protocol.Conflict, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts WHERE user_id = ? AND id = ?
	`, userID, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	return c, nil
}

// ListConflicts returns the user's conflicts, oldest first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]protocol.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE user_id = ?`
	if unresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]protocol.Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict marks the conflict resolved and applies r.Write, returning
// the written entity or nil when there was nothing to write. A conflict is
// resolved at most once: later calls return ErrAlreadyResolved.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, r ConflictResolution) (*Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ?
		WHERE user_id = ? AND id = ? AND resolved = 0
	`, string(r.Strategy), formatTime(r.At), r.UserID, r.ConflictID)
	if err != nil {
		return nil, fmt.Errorf("mark conflict resolved: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := getConflict(ctx, tx, r.UserID, r.ConflictID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("conflict %s: %w", r.ConflictID, ErrAlreadyResolved)
	}

	var e *Entity
	if r.Write != nil {
		e, err = writeEntity(ctx, tx, *r.Write)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return e, nil
}

func scanConflict(scanner interface{ Scan(...any) error }) (*protocol.Conflict, error) {
	var c protocol.Conflict
	var conflictType, entityType string
	var localData, remoteData, resolution sql.NullString
	var localTS, remoteTS, resolvedAt sql.NullString
	var fieldsJSON, detectedAt string

	err := scanner.Scan(
		&c.ID, &conflictType, &entityType, &c.EntityID, &c.OperationID,
		&localData, &c.LocalVersion, &localTS,
		&remoteData, &c.RemoteVersion, &remoteTS,
		&fieldsJSON, &c.Resolved, &resolution, &resolvedAt, &detectedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = protocol.ConflictType(conflictType)
	c.EntityType = protocol.EntityType(entityType)
	if localData.Valid {
		c.LocalData = json.RawMessage(localData.String)
	}
	if remoteData.Valid {
		c.RemoteData = json.RawMessage(remoteData.String)
	}
	if localTS.Valid {
		c.LocalTimestamp = parseTime("conflicts.local_timestamp", localTS.String)
	}
	if remoteTS.Valid {
		c.RemoteTimestamp = parseTime("conflicts.remote_timestamp", remoteTS.String)
	}
	if resolution.Valid {
		c.Resolution = protocol.Strategy(resolution.String)
	}
	c.ResolvedAt = parseNullTime("conflicts.resolved_at", resolvedAt)
	c.DetectedAt = parseTime("conflicts.detected_at", detectedAt)

	c.DifferingFields = []string{}
	if err := json.Unmarshal([]byte(fieldsJSON), &c.DifferingFields); err != nil {
		return nil, fmt.Errorf("parse differing fields: %w", err)
	}
	return &c, nil
}

func zeroableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
