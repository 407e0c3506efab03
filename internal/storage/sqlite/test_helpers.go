package sqlite

import (
	"context"
	"testing"
)

// newTestStore creates an isolated store backed by a temp-dir database
// file. File-based databases behave like production under the connection
// pool, unlike :memory:. The store is closed via t.Cleanup.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := t.TempDir() + "/test.db"
	store, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("Failed to close test database: %v", cerr)
		}
	})
	return store
}
