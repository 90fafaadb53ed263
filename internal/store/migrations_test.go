package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// When: RunMigrations is called
	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: every table exists with its columns
	queries := []string{
		`SELECT user_id, entity_type, id, payload, version, deleted, seq, modified_by, created_at, updated_at FROM entities LIMIT 0`,
		`SELECT id, value FROM change_sequence LIMIT 0`,
		`SELECT id, user_id, conflict_type, local_data, remote_data, differing_fields, resolved, resolution, resolved_at FROM conflicts LIMIT 0`,
		`SELECT id, user_id, kind, priority, retry_count, max_retries, status, generation, scheduled_at, started_at, completed_at FROM operations LIMIT 0`,
		`SELECT user_id, request_id, response, created_at, expires_at FROM sync_idempotency LIMIT 0`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("schema check failed for %q: %v", q, err)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	err = RunMigrations(context.Background(), db)

	// Then: No error occurs (idempotent)
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}

	var seq int64
	if err := db.QueryRow(`SELECT value FROM change_sequence WHERE id = 1`).Scan(&seq); err != nil {
		t.Fatalf("change_sequence row missing: %v", err)
	}
	if seq != 0 {
		t.Errorf("change_sequence = %d, want 0", seq)
	}
}

func TestOperations_RetryCountCheckConstraint(t *testing.T) {
	s := newTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO operations (id, user_id, kind, entity_type, priority, retry_count, max_retries, status, created_at)
		VALUES ('op-1', 'u1', 'create', 'note', 1, 4, 3, 'pending', '2024-01-01T00:00:00.000000000Z')
	`)
	if err == nil {
		t.Fatal("expected CHECK constraint violation for retry_count > max_retries")
	}
}
