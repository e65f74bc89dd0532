package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/usedcss/db"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// every pooled connection to :memory: is a separate database
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateMigratedTestDB creates an in-memory database with every migration applied.
func CreateMigratedTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn := CreateTestDB(t)
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return conn
}
