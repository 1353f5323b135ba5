package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/app"
)

func newImportLogsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import-logs <vod-id> <file>",
		Short: "Import a downloaded chat archive, skipping comments already stored",
		Args:  cobra.MatchAll(cobra.ExactArgs(2), vodArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, path := vodID(args[0]), args[1]
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("inspect file: %w", err)
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.ImportLogs(cmd.Context(), id, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d comments into %s\n", n, id)
				return nil
			})
		},
	}
}
