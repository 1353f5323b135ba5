package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/app"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process <vod-id> <captured-file>",
		Short: "Remux, split and upload a file that was already captured",
		Long: "Run the post-processing and upload steps on a captured transport stream. " +
			"The file is removed once it has been split.",
		Args: cobra.MatchAll(cobra.ExactArgs(2), vodArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, path := vodID(args[0]), args[1]
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("inspect file: %w", err)
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				if _, err := a.EnsureVOD(cmd.Context(), id); err != nil {
					return err
				}
				if err := a.Archiver.Finalize(cmd.Context(), id, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %s\n", id)
				return nil
			})
		},
	}
}
