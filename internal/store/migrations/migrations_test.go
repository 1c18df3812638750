package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	err := MigrateUp(db)
	if err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	// Verify tables were created
	tables := []string{"workspaces", "families", "metadata", "namespaces", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheckStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Fresh database should need migration
	err := CheckStatus(db)
	if err == nil {
		t.Error("CheckStatus() expected error for fresh database, got nil")
	}

	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("CheckStatus() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheckStatus_AfterMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if err := CheckStatus(db); err != nil {
		t.Errorf("CheckStatus() after migration returned error: %v", err)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Run migration twice
	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}

	if err := MigrateUp(db); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}

	if err := CheckStatus(db); err != nil {
		t.Errorf("CheckStatus() after double migration returned error: %v", err)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	// A metadata row pointing at a non-existent family must be rejected.
	_, err := db.Exec(`
		INSERT INTO metadata (id_file, json, fk_family_id)
		VALUES ('0d54ae5a-0000-0000-0000-000000000001', '{"id": "0d54ae5a-0000-0000-0000-000000000001"}', 999)
	`)

	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_MetadataRequiresIDKey(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO families (name, version) VALUES ('base', 1)"); err != nil {
		t.Fatalf("Failed to insert family: %v", err)
	}

	// A document without an id key violates the CHECK constraint.
	_, err := db.Exec(`
		INSERT INTO metadata (id_file, json, fk_family_id)
		VALUES ('0d54ae5a-0000-0000-0000-000000000001', '{"filename": "a.txt"}', 1)
	`)
	if err == nil {
		t.Error("Expected check constraint violation for document without id key")
	}
}

func TestSchema_WorkspaceNameOwnerUnique(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	insert := "INSERT INTO workspaces (name, owner, state, created_at) VALUES (?, ?, 'READY', datetime('now'))"
	if _, err := db.Exec(insert, "alpha", "alice"); err != nil {
		t.Fatalf("Failed to insert first workspace: %v", err)
	}

	// Duplicate (name, owner) should fail due to the UNIQUE constraint.
	if _, err := db.Exec(insert, "alpha", "alice"); err == nil {
		t.Error("Expected unique constraint violation for duplicate workspace, but insert succeeded")
	}

	// The same name under a different owner is allowed.
	if _, err := db.Exec(insert, "alpha", "bob"); err != nil {
		t.Errorf("Insert with different owner failed: %v", err)
	}
}

func TestSchema_FamilyVersionOrWorkspace(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	// A family with neither a version nor a workspace is invalid.
	_, err := db.Exec("INSERT INTO families (name) VALUES ('orphan')")
	if err == nil {
		t.Error("Expected check constraint violation for family without version or workspace")
	}

	// Committed families carry a version; multiple versions of the same name
	// may coexist.
	if _, err := db.Exec("INSERT INTO families (name, version) VALUES ('base', 1)"); err != nil {
		t.Fatalf("Failed to insert committed family: %v", err)
	}
	if _, err := db.Exec("INSERT INTO families (name, version) VALUES ('base', 2)"); err != nil {
		t.Errorf("Failed to insert second version of committed family: %v", err)
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
