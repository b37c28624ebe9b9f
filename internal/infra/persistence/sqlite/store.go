// Package sqlite opens SQLite databases through the pure-Go modernc driver and
// classifies SQLite constraint errors.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/jmoiron/sqlx"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

const defaultPath = "corefacility.db"

var sqlOpen = sql.Open

// DSN turns a file path (or an existing file: URI) into a DSN with foreign
// keys enabled, a busy timeout and a sortable time format.
func DSN(path string) string {
	if path == "" {
		path = defaultPath
	}
	if strings.HasPrefix(path, "file:") {
		return path
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating when needed) the database file at path. SQLite allows
// one writer, so the pool is limited to a single connection.
func Open(ctx context.Context, path string) (*sqlx.DB, string, error) {
	if path == "" {
		path = defaultPath
	}
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := DSN(path)
	db, err := sqlOpen(DriverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping sqlite: %w", err)
	}
	return sqlx.NewDb(db, DriverName), dsn, nil
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY violation.
func IsUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// MigrationDriver opens a dedicated connection for schema migrations. Closing
// the returned driver closes the connection.
func MigrationDriver(dsn string) (database.Driver, error) {
	db, err := sqlOpen(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite for migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migration driver: %w", err)
	}
	return drv, nil
}
