package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Versioned schema files, named NNNNNN_description.{up,down}.sql.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the versioned schema to one database.
type Migrator struct {
	m *migrate.Migrate
}

// migrateLogger routes golang-migrate's own output through slog.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "db_migrate"))
}

func (migrateLogger) Verbose() bool { return false }

// NewMigrator opens the schema source. An empty source means the files embedded in the
// binary; anything else is a golang-migrate source URL such as "file:///srv/migrations".
func NewMigrator(db *sql.DB, source string) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	var m *migrate.Migrate
	if source == "" {
		src, serr := iofs.New(migrationFS, "migrations")
		if serr != nil {
			return nil, fmt.Errorf("embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(source, "postgres", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	m.Log = migrateLogger{}
	return &Migrator{m: m}, nil
}

// Version reports the applied version; zero means nothing has been applied.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}

// settle checks the state after a step and logs where the schema ended up.
func (mg *Migrator) settle(action string) (uint, error) {
	v, dirty, err := mg.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema left dirty at version %d after %s; fix it by hand and run migrate force", v, action)
	}
	slog.Info("schema "+action, slog.Uint64("version", uint64(v)), slog.String("component", "db_migrate"))
	return v, nil
}

// Up applies every pending migration and returns the resulting version.
func (mg *Migrator) Up() (uint, error) {
	err := mg.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		v, _, verr := mg.Version()
		return v, verr
	}
	if err != nil {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	return mg.settle("migrated")
}

// Down reverts the given number of migrations. Rolling back may drop data.
func (mg *Migrator) Down(steps int) (uint, error) {
	if steps < 1 {
		return 0, fmt.Errorf("migrate down: steps must be positive, got %d", steps)
	}
	err := mg.m.Steps(-steps)
	if errors.Is(err, migrate.ErrNoChange) {
		v, _, verr := mg.Version()
		return v, verr
	}
	if err != nil {
		return 0, fmt.Errorf("migrate down: %w", err)
	}
	return mg.settle("rolled back")
}

// Force records version as applied and clears the dirty flag without running anything.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("migrate force %d: %w", version, err)
	}
	return nil
}

// EnsureSchema brings the database up to date with the embedded migrations. A database
// the versioned runner cannot handle falls back to the idempotent bootstrap SQL.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	mg, err := NewMigrator(db, "")
	if err == nil {
		_, err = mg.Up()
	}
	if err == nil {
		return nil
	}
	slog.Warn("versioned migrations failed, applying bootstrap schema", slog.Any("err", err), slog.String("component", "db_migrate"))
	if berr := Migrate(ctx, db); berr != nil {
		return fmt.Errorf("ensure schema: %w", errors.Join(err, berr))
	}
	return nil
}
