package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate runs every pending migration against sqlDB. It is idempotent —
// ErrNoChange from golang-migrate is swallowed.
func Migrate(sqlDB *sql.DB, driver Driver) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrate: source: %w", err)
	}

	var dbDriver migrate.Database
	switch driver {
	case DriverSQLite:
		dbDriver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case DriverPostgres:
		dbDriver, err = postgres.WithInstance(sqlDB, &postgres.Config{})
	default:
		return fmt.Errorf("store: migrate: unknown driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("store: migrate: driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(driver), dbDriver)
	if err != nil {
		return fmt.Errorf("store: migrate: init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: up: %w", err)
	}
	return nil
}
