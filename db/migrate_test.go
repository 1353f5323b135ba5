package db

import (
	"context"
	"database/sql"
	"testing"
)

func newTestMigrator(t *testing.T, database *sql.DB) *Migrator {
	t.Helper()
	mg, err := NewMigrator(database, "")
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}
	return mg
}

func tableExists(t *testing.T, database *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	if err := database.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists); err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return exists
}

func TestMigratorUp(t *testing.T) {
	database := openTestDB(t)
	mg := newTestMigrator(t, database)

	v, err := mg.Up()
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if v < 2 {
		t.Errorf("Up() version = %d, want >= 2", v)
	}
	for _, table := range []string{"vods", "chapters", "logs", "oauth_tokens", "kv"} {
		if !tableExists(t, database, table) {
			t.Errorf("table %s missing after Up", table)
		}
	}

	again, err := mg.Up()
	if err != nil || again != v {
		t.Errorf("second Up() = %d, %v; want %d, nil", again, err, v)
	}
	if _, dirty, err := mg.Version(); err != nil || dirty {
		t.Errorf("Version() dirty = %v, err = %v", dirty, err)
	}
}

func TestMigratorDownAndUp(t *testing.T) {
	database := openTestDB(t)
	mg := newTestMigrator(t, database)
	top, err := mg.Up()
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	v, err := mg.Down(1)
	if err != nil || v != top-1 {
		t.Fatalf("Down(1) = %d, %v; want %d", v, err, top-1)
	}
	if v, err = mg.Down(int(v)); err != nil || v != 0 {
		t.Fatalf("Down to zero = %d, %v", v, err)
	}
	if tableExists(t, database, "logs") {
		t.Error("logs table still present after rollback")
	}
	if _, err := mg.Down(0); err == nil {
		t.Error("Down(0) should be rejected")
	}
	if v, err = mg.Up(); err != nil || v != top {
		t.Fatalf("Up() after rollback = %d, %v; want %d", v, err, top)
	}
}

func TestEnsureSchemaOnExistingLegacyTables(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	// Tables created by the bootstrap SQL without a schema_migrations row.
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := EnsureSchema(ctx, database); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
}
