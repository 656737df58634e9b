// Package db manages database connections and schema migrations for the audit chain store.
// PostgreSQL is the production backend: migrations are embedded in the binary and applied
// with golang-migrate so the server can bring the schema up on startup without external
// tooling. SQLite is supported for single-node deployments; its schema is embedded
// alongside and applied idempotently.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/bizsuite/auditchain/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed schema_sqlite.sql
var sqliteSchema string

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect opens a pooled connection for driver ("postgres" or "sqlite") and verifies it.
//
// SQLite allows a single writer, so its pool is pinned to one connection; callers
// still get correct optimistic-append semantics, just serialized.
func Connect(driver, dsn string, maxConnections, minIdleConnections int) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (must be postgres or sqlite)", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(maxConnections)
		db.SetMaxIdleConns(minIdleConnections)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// SQLiteDSN builds a glebarez/go-sqlite DSN for path with WAL journaling and a
// busy timeout so readers never block the writer.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations runs the embedded PostgreSQL migrations in direction ("up" or "down").
func RunMigrations(db *sql.DB, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid migration direction: %s (must be 'up' or 'down')", direction)
	}

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	switch direction {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
	}

	return nil
}

// GetMigrationVersion returns the current migration version
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}

// ForceMigrationVersion records version as the current schema version and
// clears the dirty flag left behind by an interrupted migration. No migration
// is run; the operator must have repaired the schema by hand.
func ForceMigrationVersion(db *sql.DB, version int) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force migration version %d: %w", version, err)
	}
	return nil
}

// EnsureSQLiteSchema creates the audit_entries table, its indexes and the
// append-only triggers in a SQLite database. It is idempotent.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return nil
}

// Migrate brings the schema of an open database up (or, for PostgreSQL, down).
// SQLite has no migration history; "up" applies the schema and "down" is refused.
func Migrate(ctx context.Context, db *sql.DB, driver, direction string) error {
	if driver == DriverSQLite {
		if direction != "up" {
			return fmt.Errorf("sqlite schema cannot be migrated %s", direction)
		}
		return EnsureSQLiteSchema(ctx, db)
	}
	return RunMigrations(db, direction)
}

// Open connects to the configured database and, when auto_migrate is set,
// brings its schema up to date. The returned handle carries the driver name
// the chain repository selects its dialect by.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.GetDSN()
	if cfg.Driver == DriverSQLite {
		dsn = SQLiteDSN(cfg.SQLitePath)
	}
	database, err := Connect(cfg.Driver, dsn, cfg.MaxConnections, cfg.MinIdleConnections)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := Migrate(ctx, database, cfg.Driver, "up"); err != nil {
			database.Close()
			return nil, err
		}
	}
	return sqlx.NewDb(database, cfg.Driver), nil
}
