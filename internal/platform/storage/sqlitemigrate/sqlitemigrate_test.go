package sqlitemigrate

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func migrationFS(name, body string) fstest.MapFS {
	return fstest.MapFS{
		name: &fstest.MapFile{Data: []byte(body)},
	}
}

func TestApplyMigrationsCreatesSchemaAndLedger(t *testing.T) {
	db := testDB(t)

	fsys := migrationFS("0001_conversations.sql",
		"-- +migrate Up\nCREATE TABLE conversations(id TEXT PRIMARY KEY);")
	if err := ApplyMigrations(db, fsys, ""); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if got := countRows(t, db, "schema_migrations"); got != 1 {
		t.Fatalf("expected 1 ledger row, got %d", got)
	}
	if !hasTable(t, db, "conversations") {
		t.Fatal("expected migrated table to exist")
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := testDB(t)

	fsys := migrationFS("0001_conversations.sql",
		"-- +migrate Up\nCREATE TABLE conversations(id TEXT PRIMARY KEY);")
	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(db, fsys, ""); err != nil {
			t.Fatalf("apply pass %d: %v", i+1, err)
		}
	}

	if got := countRows(t, db, "schema_migrations"); got != 1 {
		t.Fatalf("expected single ledger row after replay, got %d", got)
	}
}

func TestApplyMigrationsFailedFileStaysPending(t *testing.T) {
	db := testDB(t)

	broken := migrationFS("0001_invitations.sql",
		"-- +migrate Up\nCREAT TABLE invitations(id TEXT);")
	if err := ApplyMigrations(db, broken, ""); err == nil {
		t.Fatal("expected broken migration to fail")
	}
	if got := countRows(t, db, "schema_migrations"); got != 0 {
		t.Fatalf("failed migration must not be recorded, got %d rows", got)
	}

	fixed := migrationFS("0001_invitations.sql",
		"-- +migrate Up\nCREATE TABLE invitations(id TEXT PRIMARY KEY);")
	if err := ApplyMigrations(db, fixed, ""); err != nil {
		t.Fatalf("apply fixed migration: %v", err)
	}
	if got := countRows(t, db, "schema_migrations"); got != 1 {
		t.Fatalf("expected fixed migration recorded, got %d rows", got)
	}
}

func TestApplyMigrationsKeysIncludeRoot(t *testing.T) {
	db := testDB(t)

	fsys := migrationFS("sessions/0001_sessions.sql",
		"-- +migrate Up\nCREATE TABLE unified_sessions(id TEXT PRIMARY KEY);")
	if err := ApplyMigrations(db, fsys, "sessions"); err != nil {
		t.Fatalf("apply rooted migrations: %v", err)
	}

	var key string
	if err := db.QueryRow("SELECT name FROM schema_migrations").Scan(&key); err != nil {
		t.Fatalf("read ledger key: %v", err)
	}
	if key != "sessions/0001_sessions.sql" {
		t.Fatalf("expected rooted ledger key, got %q", key)
	}
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "up and down sections",
			content: "-- +migrate Up\nCREATE TABLE a(x);\n-- +migrate Down\nDROP TABLE a;",
			want:    "\nCREATE TABLE a(x);\n",
		},
		{
			name:    "up only",
			content: "-- +migrate Up\nCREATE TABLE b(y);",
			want:    "\nCREATE TABLE b(y);",
		},
		{
			name:    "no markers",
			content: "CREATE TABLE c(z);",
			want:    "CREATE TABLE c(z);",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractUpMigration(tc.content); got != tc.want {
				t.Fatalf("extract up: got %q want %q", got, tc.want)
			}
		})
	}
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var count int64
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("count %s rows: %v", table, err)
	}
	return count
}

func hasTable(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return true
}
