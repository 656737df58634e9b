package main

import (
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/bizsuite/auditchain/internal/db"
)

// ============================================================================
// migrate
// ============================================================================

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or repair the database schema",
	}

	for _, direction := range []string{"up", "down"} {
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: "Run all " + direction + " migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				database, err := a.openForMigration(cmd)
				if err != nil {
					return err
				}
				if err := db.Migrate(cmd.Context(), database.DB, a.cfg.Database.Driver, direction); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				return printSchemaVersion(cmd, a, database)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Record a schema version and clear the dirty flag (PostgreSQL)",
		Long: `Use after a migration was interrupted and the schema repaired by hand. No
migration is run; only the recorded version changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			database, err := a.openForMigration(cmd)
			if err != nil {
				return err
			}
			if a.cfg.Database.Driver != db.DriverPostgres {
				return fmt.Errorf("%s has no migration history to repair", a.cfg.Database.Driver)
			}
			if err := db.ForceMigrationVersion(database.DB, version); err != nil {
				return err
			}
			return printSchemaVersion(cmd, a, database)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openForMigration(cmd)
			if err != nil {
				return err
			}
			return printSchemaVersion(cmd, a, database)
		},
	})
	return cmd
}

// openForMigration connects without auto_migrate so the subcommand alone
// decides what happens to the schema.
func (a *app) openForMigration(cmd *cobra.Command) (*sqlx.DB, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "memory" {
		return nil, errMemoryStore
	}
	a.close()
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	database, err := db.Open(cmd.Context(), dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = database
	return database, nil
}

func printSchemaVersion(cmd *cobra.Command, a *app, database *sqlx.DB) error {
	out := cmd.OutOrStdout()
	if a.cfg.Database.Driver != db.DriverPostgres {
		fmt.Fprintf(out, "%s schema is managed without versions\n", a.cfg.Database.Driver)
		return nil
	}
	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema version: %d (dirty: %v)\n", version, dirty)
	return nil
}
