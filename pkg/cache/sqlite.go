package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const memoryPath = ":memory:"

const (
	entriesTable = "cache_entries"
	metaTable    = "cache_meta"
)

// OpenDB opens the cache database at path and applies the cache schema.
// ":memory:" opens a private in-memory database.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create cache directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load cache migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run cache migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("migration applied",
			"component", "cache",
			"action", "migration_applied",
			"version", r.Source.Version,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
	return nil
}

// SortField orders Query results.
type SortField string

const (
	SortByKey       SortField = "key"
	SortByWrittenAt SortField = "written_at"
	SortByVersion   SortField = "version"
)

// Query selects live entries from the durable tier.
type Query struct {
	// Prefix restricts results to keys starting with it.
	Prefix string
	// Offline restricts results to entries not yet acknowledged by the server.
	Offline bool
	SortBy  SortField
	Desc    bool
	Limit   int
	Offset  int
}

// table implements Tier over one SQLite table.
type table struct {
	db   *sql.DB
	name string
}

func (t table) Get(ctx context.Context, key string) (Entry, error) {
	row := t.db.QueryRowContext(ctx,
		"SELECT key, value, written_at, version, hash, expires_at, offline FROM "+t.name+" WHERE key = ?", key)
	ke, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return ke.Entry, nil
}

// Set upserts e. A write whose version is lower than the stored version is
// rejected with ErrStaleVersion.
func (t table) Set(ctx context.Context, key string, e Entry) error {
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO `+t.name+` (key, value, written_at, version, hash, expires_at, offline)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			written_at = excluded.written_at,
			version = excluded.version,
			hash = excluded.hash,
			expires_at = excluded.expires_at,
			offline = excluded.offline
		WHERE excluded.version >= `+t.name+`.version`,
		key, string(e.Value), formatTime(e.WrittenAt), e.Version, e.Hash, nullableTime(e.ExpiresAt), e.Offline)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrStaleVersion, key, e.Version)
	}
	return nil
}

func (t table) Delete(ctx context.Context, key string) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t table) Clear(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM "+t.name); err != nil {
		return fmt.Errorf("clear %s: %w", t.name, err)
	}
	return nil
}

func (t table) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := t.db.ExecContext(ctx,
		"DELETE FROM "+t.name+" WHERE expires_at IS NOT NULL AND expires_at <= ?", formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", t.name, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SQLiteTier is the durable tier.
type SQLiteTier struct {
	table
}

// NewSQLiteTier returns the durable tier over a database opened by OpenDB.
func NewSQLiteTier(db *sql.DB) *SQLiteTier {
	return &SQLiteTier{table{db: db, name: entriesTable}}
}

// Query returns the entries matching q that are live at now.
func (t *SQLiteTier) Query(ctx context.Context, q Query, now time.Time) ([]KeyedEntry, error) {
	var b strings.Builder
	b.WriteString("SELECT key, value, written_at, version, hash, expires_at, offline FROM ")
	b.WriteString(t.name)
	b.WriteString(" WHERE (expires_at IS NULL OR expires_at > ?)")
	args := []any{formatTime(now)}

	if q.Prefix != "" {
		b.WriteString(" AND instr(key, ?) = 1")
		args = append(args, q.Prefix)
	}
	if q.Offline {
		b.WriteString(" AND offline = 1")
	}

	col := "key"
	switch q.SortBy {
	case SortByWrittenAt:
		col = "written_at"
	case SortByVersion:
		col = "version"
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s", col, dir)
	if col != "key" {
		b.WriteString(", key ASC")
	}

	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	rows, err := t.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	defer rows.Close()

	var out []KeyedEntry
	for rows.Next() {
		ke, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, ke)
	}
	return out, rows.Err()
}

// MetaTier holds metadata keys with the longest lifetime.
type MetaTier struct {
	table
}

// NewMetaTier returns the metadata tier over a database opened by OpenDB.
func NewMetaTier(db *sql.DB) *MetaTier {
	return &MetaTier{table{db: db, name: metaTable}}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (KeyedEntry, error) {
	var (
		ke        KeyedEntry
		value     string
		writtenAt string
		expiresAt sql.NullString
	)
	if err := s.Scan(&ke.Key, &value, &writtenAt, &ke.Version, &ke.Hash, &expiresAt, &ke.Offline); err != nil {
		return KeyedEntry{}, err
	}
	ke.Value = []byte(value)
	ke.WrittenAt = parseTime("written_at", writtenAt)
	if expiresAt.Valid {
		t := parseTime("expires_at", expiresAt.String)
		ke.ExpiresAt = &t
	}
	return ke, nil
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
			"component", "cache",
			"field", field,
			"value", value,
			"error", err,
		)
	}
	return t
}
