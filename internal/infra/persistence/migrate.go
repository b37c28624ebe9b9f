package persistence

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	sqldocs "corefacility/docs/schema/sql"
	"corefacility/internal/infra/persistence/mysql"
	"corefacility/internal/infra/persistence/postgres"
	"corefacility/internal/infra/persistence/sqlite"
)

// MigrateUp applies every pending migration for the database's dialect.
func (d *Database) MigrateUp() error {
	return d.withMigrator(func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	})
}

// MigrateDown reverts steps migrations, or all of them when steps <= 0.
func (d *Database) MigrateDown(steps int) error {
	return d.withMigrator(func(m *migrate.Migrate) error {
		var err error
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		return nil
	})
}

// MigrationVersion returns the current schema version.
func (d *Database) MigrationVersion() (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := d.withMigrator(func(m *migrate.Migrate) error {
		var err error
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

func (d *Database) withMigrator(fn func(*migrate.Migrate) error) (err error) {
	src, err := iofs.New(sqldocs.Migrations, d.Dialect.Name())
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	var drv database.Driver
	switch d.Dialect.Name() {
	case "postgres":
		drv, err = postgres.MigrationDriver(d.driverName, d.dsn)
	case "mysql":
		drv, err = mysql.MigrationDriver(d.dsn)
	default:
		drv, err = sqlite.MigrationDriver(d.dsn)
	}
	if err != nil {
		_ = src.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, d.Dialect.Name(), drv)
	if err != nil {
		_ = src.Close()
		_ = drv.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()
	return fn(m)
}
