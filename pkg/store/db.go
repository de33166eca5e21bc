// Package store opens the relational database shared by the audit ledger,
// OWA ledger, period store and dead-letter queue, and owns its schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL variant spoken by the underlying database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ForUpdate returns the row-lock suffix for a SELECT. SQLite has no row
// locks; the lite-mode pool is capped at one connection so transactions
// serialize instead.
func (d Dialect) ForUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// DB wraps a *sql.DB with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Config selects the driver and data source.
type Config struct {
	// Driver is one of "postgres" (lib/pq), "pgx" (jackc/pgx stdlib) or "sqlite".
	Driver string
	DSN    string
}

// New wraps an existing handle. Tests use it with sqlmock.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var (
		driverName string
		dialect    Dialect
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres":
		driverName, dialect = "postgres", DialectPostgres
	case "pgx":
		driverName, dialect = "pgx", DialectPostgres
	case "sqlite":
		driverName, dialect = "sqlite", DialectSQLite
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if dialect == DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}

	db := New(sqlDB, dialect)
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("store: sqlite pragma: %w", err)
		}
	}
	if err := db.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenLite opens a migrated SQLite database at path (":memory:" for tests).
func OpenLite(ctx context.Context, path string) (*DB, error) {
	return Open(ctx, Config{Driver: "sqlite", DSN: path})
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// any of the supported drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Micros converts a timestamp to its persisted form.
func Micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// FromMicros converts a persisted timestamp back to UTC time.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
