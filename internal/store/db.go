package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registered as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

// Driver selects the backing database engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config describes how to open the database.
type Config struct {
	Driver Driver
	// DSN is the sqlite file path or the postgres connection string.
	DSN    string
	Logger gormlogger.Interface
}

// New opens a GORM connection for the given driver and applies every
// pending migration before returning. sqlite is opened through database/sql
// directly with the modernc driver and handed to GORM as an existing *sql.DB
// — sqlite allows only one writer, so the pool is pinned to one connection.
func New(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: cfg.Logger}

	var (
		db    *gorm.DB
		sqlDB *sql.DB
		err   error
	)

	switch cfg.Driver {
	case DriverSQLite:
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		db, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: gorm sqlite: %w", err)
		}

	case DriverPostgres:
		db, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: gorm postgres: %w", err)
		}
		sqlDB, err = db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	if err := Migrate(sqlDB, cfg.Driver); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return db, nil
}

// Ping verifies the connection is alive, used by the coordinator's readiness
// probe.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
