package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/database"
)

// migrator is swapped in tests.
type migrator interface {
	Up() error
	Down(steps int) error
	Version() (uint, bool, error)
	Close() error
}

var newMigrator = func(dsn string, logger *zap.Logger) (migrator, error) {
	m, err := database.NewMigrator(dsn, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies or rolls back the Postgres schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rolls back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrator) error { return m.Down(steps) })
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Applies all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m migrator) error { return m.Up() })
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Prints the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m migrator) error {
					v, dirty, err := m.Version()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
					return err
				})
			},
		},
	)
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(m migrator) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	if rt.cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	m, err := newMigrator(rt.cfg.Database.DSN, rt.logger.Named("migrate"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			rt.logger.Warn("migrator close failed", zap.Error(cerr))
		}
	}()
	return fn(m)
}
