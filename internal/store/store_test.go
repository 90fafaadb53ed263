package store

import "testing"

var _ Store = (*SQLiteStore)(nil)

// newTestStore opens a migrated in-memory store closed at test cleanup.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
