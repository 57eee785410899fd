package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := RunMigrations(ctx, db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	version, err := SchemaVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := RunMigrations(ctx, db, testLogger()); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(ctx, db, testLogger()); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != len(migrations) {
		t.Errorf("expected %d schema_version rows, got %d", len(migrations), rows)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)

	if err := RunMigrations(context.Background(), db, testLogger()); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"contacts", "conversations", "messages", "schema_version"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_ExternalIDsAreUnique(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(context.Background(), db, testLogger()); err != nil {
		t.Fatal(err)
	}

	insert := `INSERT INTO contacts (id, external_id, created_at, updated_at) VALUES (?, ?, 0, 0)`
	if _, err := db.Exec(insert, "a", "same"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(insert, "b", "same"); err == nil {
		t.Error("duplicate external_id should violate the unique constraint")
	}
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a(x); ")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
}
