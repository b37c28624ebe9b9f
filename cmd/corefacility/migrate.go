package main

import (
	"github.com/spf13/cobra"

	"corefacility/internal/app"
	"corefacility/internal/config"
	"corefacility/internal/infra/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(db *persistence.Database) error {
			if err := db.MigrateUp(); err != nil {
				return err
			}
			return printVersion(cmd, db)
		})
	},
}

var migrateDownSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(db *persistence.Database) error {
			if err := db.MigrateDown(migrateDownSteps); err != nil {
				return err
			}
			return printVersion(cmd, db)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(db *persistence.Database) error {
			return printVersion(cmd, db)
		})
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateDownSteps, "steps", 1, "number of migrations to roll back, 0 for all")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withDatabase(cmd *cobra.Command, fn func(*persistence.Database) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := app.OpenDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func printVersion(cmd *cobra.Command, db *persistence.Database) error {
	version, dirty, err := db.MigrationVersion()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	cmd.Printf("schema version %d (%s)\n", version, state)
	return nil
}
