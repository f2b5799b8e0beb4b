// Package testutil provides shared helpers for package tests.
package testutil

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// SetupTestDB creates an in-memory SQLite database for testing.
// The database is automatically closed when the test completes.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	// IMPORTANT: Force single connection for in-memory databases
	// Each connection in the pool gets its own separate :memory: database
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// DeterministicPayload returns n bytes of non-repeating content, so chunk
// ordering mistakes show up as content mismatches.
func DeterministicPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*31 + i/251) % 256)
	}
	return data
}
