package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/app"
	"github.com/onnwee/vod-archiver/config"
	"github.com/onnwee/vod-archiver/db"
)

type commandContext struct {
	verbose *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	lvl := slog.LevelInfo
	if c.verbose != nil && *c.verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// withDB opens the configured database for the duration of fn.
func (c *commandContext) withDB(ctx context.Context, fn func(*sql.DB) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}

// withApp opens the database, applies the schema and builds the archiver around it.
func (c *commandContext) withApp(ctx context.Context, fn func(*app.App) error) error {
	return c.withDB(ctx, func(database *sql.DB) error {
		if err := db.EnsureSchema(ctx, database); err != nil {
			return err
		}
		log := c.logger()
		slog.SetDefault(log)
		a, err := app.New(ctx, c.config, database, nil, log)
		if err != nil {
			return err
		}
		defer a.Wait()
		return fn(a)
	})
}

func newRootCommand() *cobra.Command {
	var verbose bool
	ctx := &commandContext{verbose: &verbose}

	rootCmd := &cobra.Command{
		Use:           "archivectl",
		Short:         "Operate the Twitch broadcast archiver",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newCaptureCommand(ctx))
	rootCmd.AddCommand(newHarvestCommand(ctx))
	rootCmd.AddCommand(newImportLogsCommand(ctx))
	rootCmd.AddCommand(newProcessCommand(ctx))
	rootCmd.AddCommand(newReuploadCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newTokensCommand(ctx))
	return rootCmd
}

// vodArg validates that the first argument is a Twitch video id, with or without a "v" prefix.
func vodArg(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing vod id")
	}
	id := vodID(args[0])
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return fmt.Errorf("invalid vod id %q", args[0])
	}
	return nil
}

func vodID(arg string) string { return strings.TrimPrefix(arg, "v") }
