// Package persistence selects the relational engine for corefacility, pairs
// the connection with the matching query builder dialect and applies the
// embedded schema migrations.
package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"corefacility/internal/infra/persistence/mysql"
	"corefacility/internal/infra/persistence/postgres"
	"corefacility/internal/infra/persistence/sqlite"
	"corefacility/pkg/sqlquery"
)

// Config selects and locates the database.
type Config struct {
	// Dialect is the query builder dialect: postgres, mysql or sqlite.
	Dialect string
	// DSN is a connection URL, or a file path for sqlite.
	DSN string
	// PostgresDriver picks pgx (default) or pq.
	PostgresDriver string
}

// Database is an open connection pool plus the dialect its SQL is rendered in.
type Database struct {
	*sqlx.DB
	Dialect sqlquery.Dialect

	dsn             string
	driverName      string
	returning       bool
	uniqueViolation func(error) bool
}

// Open connects to the configured engine.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	dialect, err := sqlquery.DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	var (
		db  *sqlx.DB
		dsn string
	)
	d := &Database{Dialect: dialect}
	switch dialect.Name() {
	case "postgres":
		db, dsn, err = postgres.Open(ctx, cfg.PostgresDriver, cfg.DSN)
		d.returning = true
		d.uniqueViolation = postgres.IsUniqueViolation
	case "mysql":
		db, dsn, err = mysql.Open(ctx, cfg.DSN)
		d.uniqueViolation = mysql.IsUniqueViolation
	case "sqlite":
		db, dsn, err = sqlite.Open(ctx, cfg.DSN)
		d.returning = true
		d.uniqueViolation = sqlite.IsUniqueViolation
	default:
		return nil, fmt.Errorf("unsupported dialect %s", dialect.Name())
	}
	if err != nil {
		return nil, err
	}
	d.DB = db.Unsafe()
	d.dsn = dsn
	d.driverName = db.DriverName()
	return d, nil
}

// IsUniqueViolation reports whether err is a unique-key violation of the active engine.
func (d *Database) IsUniqueViolation(err error) bool {
	if err == nil || d.uniqueViolation == nil {
		return false
	}
	return d.uniqueViolation(err)
}

// SupportsReturning reports whether INSERT ... RETURNING is available.
func (d *Database) SupportsReturning() bool { return d.returning }
