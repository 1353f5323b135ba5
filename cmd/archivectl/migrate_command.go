package main

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/db"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	cmd.PersistentFlags().StringVar(&source, "source", "", "Migration source URL (default: migrations built into the binary)")

	withMigrator := func(cmd *cobra.Command, fn func(*db.Migrator) error) error {
		return ctx.withDB(cmd.Context(), func(database *sql.DB) error {
			mg, err := db.NewMigrator(database, source)
			if err != nil {
				return err
			}
			return fn(mg)
		})
	}
	report := func(cmd *cobra.Command, v uint) {
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (may drop data)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(mg *db.Migrator) error {
				v, err := mg.Down(steps)
				if err != nil {
					return err
				}
				report(cmd, v)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(mg *db.Migrator) error {
					v, err := mg.Up()
					if err != nil {
						return err
					}
					report(cmd, v)
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(mg *db.Migrator) error {
					v, dirty, err := mg.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Mark a version as applied and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 0 {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return withMigrator(cmd, func(mg *db.Migrator) error {
					if err := mg.Force(v); err != nil {
						return err
					}
					report(cmd, uint(v))
					return nil
				})
			},
		},
	)
	return cmd
}
