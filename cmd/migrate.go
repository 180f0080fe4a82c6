package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/database"
)

func newMigrateCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", database.DefaultMigrationsDir, "migrations directory")

	withMigrator := func(cmd *cobra.Command, fn func(*database.Migrator) error) error {
		cfg, log, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		migrator, closeDB, err := bootstrap.SetupMigrator(cmd.Context(), cfg, dir, log)
		if err != nil {
			return err
		}
		defer closeDB()

		return fn(migrator)
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *database.Migrator) error {
				return m.Down(steps)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *database.Migrator) error {
					return m.Up()
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *database.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return fmt.Errorf("read schema version: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}
