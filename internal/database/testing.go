package database

import (
	"context"
	"path/filepath"
	"testing"
)

// OpenTest returns a migrated SQLite database in a temp dir, closed on cleanup.
func OpenTest(t testing.TB) *DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	db, err := Open(string(DialectSQLite), dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
