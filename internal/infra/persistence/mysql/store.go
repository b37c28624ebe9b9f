// Package mysql opens MySQL 8 connections and classifies MySQL constraint errors.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/jmoiron/sqlx"
)

// DriverName is the database/sql driver registered by go-sql-driver/mysql.
const DriverName = "mysql"

const (
	defaultDSN         = "corefacility:corefacility@tcp(localhost:3306)/corefacility"
	errDuplicateEntry  = 1062
	connMaxLifetime    = 3 * time.Minute
	defaultMaxOpenConn = 10
)

var sqlOpen = sql.Open

// NormalizeDSN forces UTC time parsing. Migrations additionally need
// multi-statement support.
func NormalizeDSN(dsn string, multiStatements bool) (string, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	cfg.MultiStatements = multiStatements
	return cfg.FormatDSN(), nil
}

// Open connects to the MySQL server described by dsn.
func Open(ctx context.Context, dsn string) (*sqlx.DB, string, error) {
	normalized, err := NormalizeDSN(dsn, false)
	if err != nil {
		return nil, "", err
	}
	db, err := sqlOpen(DriverName, normalized)
	if err != nil {
		return nil, "", fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxOpenConns(defaultMaxOpenConn)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping mysql: %w", err)
	}
	return sqlx.NewDb(db, DriverName), normalized, nil
}

// IsUniqueViolation reports MySQL error 1062 (duplicate entry).
func IsUniqueViolation(err error) bool {
	var myErr *gomysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}

// MigrationDriver opens a dedicated multi-statement connection for schema migrations.
func MigrationDriver(dsn string) (database.Driver, error) {
	normalized, err := NormalizeDSN(dsn, true)
	if err != nil {
		return nil, err
	}
	db, err := sqlOpen(DriverName, normalized)
	if err != nil {
		return nil, fmt.Errorf("open mysql for migrations: %w", err)
	}
	drv, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql migration driver: %w", err)
	}
	return drv, nil
}
