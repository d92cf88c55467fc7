package store

import (
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return newTestSQLite(t)
	})
}

func TestSQLiteReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	session := testSession("user", base)
	create(t, s, session)
	s.Close()

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("Failed to reopen SQLite store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(t.Context(), session.SessionID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Status != StatusActive || !got.CreatedAt.Equal(base) {
		t.Errorf("Unexpected session after reopen: %+v", got)
	}
}
