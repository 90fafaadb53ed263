package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/quire/pkg/protocol"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const memoryPath = ":memory:"

// SQLiteStore is the SQLite-backed canonical store. It also persists the
// server operation queue, conflicts, and sync idempotency records.
type SQLiteStore struct {
	db           *sql.DB
	snapshotPath string
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dbPath != memoryPath {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == memoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db}
	if dbPath != memoryPath {
		s.snapshotPath = filepath.Join(filepath.Dir(dbPath), "snapshots", "current.db")
	}
	return s, nil
}

// dsn adds per-connection pragmas and immediate transactions, so that
// read-then-write transactions take the write lock up front.
func dsn(dbPath string) string {
	params := []string{
		"_txlock=immediate",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}
	return dbPath + "?" + strings.Join(params, "&")
}

// enablePragmas sets database-wide SQLite pragmas.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetSnapshotPath overrides where GenerateSnapshot writes.
func (s *SQLiteStore) SetSnapshotPath(path string) {
	s.snapshotPath = path
}

// GenerateSnapshot writes a consistent copy of the database with VACUUM INTO
// and atomically replaces the previous snapshot.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	if s.snapshotPath == "" {
		return ErrSnapshotDisabled
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	slog.Info("snapshot generated",
		"component", "store",
		"action", "snapshot_generated",
		"path", s.snapshotPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// GetSnapshotPath returns the path of the current snapshot file.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	if s.snapshotPath == "" {
		return "", ErrSnapshotDisabled
	}
	if _, err := os.Stat(s.snapshotPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("snapshot: %w", ErrNotFound)
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return s.snapshotPath, nil
}

const entityColumns = `user_id, entity_type, id, payload, version, deleted, seq, modified_by, created_at, updated_at`

// GetEntity returns the canonical row, including tombstones.
func (s *SQLiteStore) GetEntity(ctx context.Context, userID string, entityType protocol.EntityType, id string) (*Entity, error) {
	return getEntity(ctx, s.db, userID, entityType, id)
}

func getEntity(ctx context.Context, q queryer, userID string, entityType protocol.EntityType, id string) (*Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE user_id = ? AND entity_type = ? AND id = ?
	`, userID, string(entityType), id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return e, nil
}

// WriteEntity applies one mutation and assigns it the next change sequence.
// A conditional write against a stale version returns ErrVersionMismatch; a
// write to a missing or deleted row without Upsert returns ErrNotFound.
func (s *SQLiteStore) WriteEntity(ctx context.Context, w EntityWrite) (*Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := writeEntity(ctx, tx, w)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return e, nil
}

func writeEntity(ctx context.Context, tx *sql.Tx, w EntityWrite) (*Entity, error) {
	seq, err := nextSequence(ctx, tx)
	if err != nil {
		return nil, err
	}
	at := formatTime(w.At)

	if w.Upsert {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, entity_type, id) DO UPDATE SET
				payload = COALESCE(excluded.payload, entities.payload),
				version = entities.version + 1,
				deleted = excluded.deleted,
				seq = excluded.seq,
				modified_by = excluded.modified_by,
				updated_at = excluded.updated_at
			RETURNING `+entityColumns,
			w.UserID, string(w.EntityType), w.ID, nullablePayload(w.Payload),
			w.Deleted, seq, w.ModifiedBy, at, at,
		)
		e, err := scanEntity(row)
		if err != nil {
			return nil, fmt.Errorf("upsert entity: %w", err)
		}
		return e, nil
	}

	query := `
		UPDATE entities
		SET payload = COALESCE(?, payload), version = version + 1, deleted = ?,
		    seq = ?, modified_by = ?, updated_at = ?
		WHERE user_id = ? AND entity_type = ? AND id = ? AND deleted = 0`
	args := []any{
		nullablePayload(w.Payload), w.Deleted, seq, w.ModifiedBy, at,
		w.UserID, string(w.EntityType), w.ID,
	}
	if w.ExpectedVersion > 0 {
		query += ` AND version = ?`
		args = append(args, w.ExpectedVersion)
	}
	query += ` RETURNING ` + entityColumns

	e, err := scanEntity(tx.QueryRowContext(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	current, err := getEntity(ctx, tx, w.UserID, w.EntityType, w.ID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: current %d, expected %d", ErrVersionMismatch, current.Version, w.ExpectedVersion)
}

// nextSequence bumps and returns the global change sequence.
func nextSequence(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		UPDATE change_sequence SET value = value + 1 WHERE id = 1 RETURNING value
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next change sequence: %w", err)
	}
	return seq, nil
}

// ListEntities returns the user's entities matching filter, ordered by type and id.
func (s *SQLiteStore) ListEntities(ctx context.Context, userID string, filter EntityFilter) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE user_id = ?`
	args := []any{userID}
	if !filter.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	if len(filter.Types) > 0 {
		query += ` AND entity_type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(filter.IDs)) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY entity_type, id`

	return s.queryEntities(ctx, query, args...)
}

// ChangesSince returns the user's canonical changes after the cursor in
// q, oldest first.
func (s *SQLiteStore) ChangesSince(ctx context.Context, userID string, q ChangeQuery) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE user_id = ?`
	args := []any{userID}
	if q.AfterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, q.AfterSeq)
	} else {
		query += ` AND updated_at > ?`
		args = append(args, formatTime(q.Since))
	}
	if len(q.Types) > 0 {
		query += ` AND entity_type IN (` + placeholders(len(q.Types)) + `)`
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	return s.queryEntities(ctx, query, args...)
}

func (s *SQLiteStore) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entities, nil
}

// LatestSequence returns the highest change sequence assigned so far.
func (s *SQLiteStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM change_sequence WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	return seq, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanEntity scans a row selected with entityColumns.
func scanEntity(scanner interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var entityType string
	var payload sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&e.UserID,
		&entityType,
		&e.ID,
		&payload,
		&e.Version,
		&e.Deleted,
		&e.Seq,
		&e.ModifiedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EntityType = protocol.EntityType(entityType)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.CreatedAt = parseTime("entities.created_at", createdAt)
	e.UpdatedAt = parseTime("entities.updated_at", updatedAt)
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(field, value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		slog.Warn("failed to parse timestamp",
			"component", "store",
			"field", field,
			"value", value,
			"error", err,
		)
	}
	return t
}

func parseNullTime(field string, value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t := parseTime(field, value.String)
	return &t
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	trimmed := strings.TrimSpace(string(p))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return string(p)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
