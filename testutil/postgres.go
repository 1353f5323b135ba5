// Package testutil holds helpers shared by integration tests: a migrated Postgres handle
// and a mock Twitch server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/vod-archiver/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies the schema and empties every table.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.EnsureSchema(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE vods, chapters, logs, oauth_tokens, kv CASCADE`); err != nil {
		database.Close()
		t.Fatalf("failed to clean database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
