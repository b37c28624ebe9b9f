// Package postgres opens PostgreSQL connections through pgx (default) or
// lib/pq and classifies PostgreSQL constraint errors.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	// DriverPGX selects the pgx stdlib driver.
	DriverPGX = "pgx"
	// DriverPQ selects the lib/pq driver.
	DriverPQ = "postgres"

	defaultDSN = "postgres://localhost/corefacility?sslmode=disable"

	uniqueViolation = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// DriverFor normalizes a configured driver name.
func DriverFor(name string) string {
	switch name {
	case "pq", DriverPQ:
		return DriverPQ
	default:
		return DriverPGX
	}
}

// Open connects to dsn (falls back to defaultDSN) using the given driver.
func Open(ctx context.Context, driverName, dsn string) (*sqlx.DB, string, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	driverName = DriverFor(driverName)
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, "", fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping postgres: %w", err)
	}
	return sqlx.NewDb(db, driverName), dsn, nil
}

// IsUniqueViolation reports SQLSTATE 23505 from either driver.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// MigrationDriver opens a dedicated connection for schema migrations.
func MigrationDriver(driverName, dsn string) (database.Driver, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(DriverFor(driverName), dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres for migrations: %w", err)
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migration driver: %w", err)
	}
	return drv, nil
}
