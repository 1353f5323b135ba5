package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/app"
)

func newReuploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reupload <vod-id> <file> <part>",
		Short: "Cut one part of a processed broadcast again and upload it",
		Long: "Re-cut part <part> (1-based) of <file> on the configured split windows, upload it " +
			"and replace the recorded video id for that part. <file> is left in place.",
		Args: cobra.MatchAll(cobra.ExactArgs(3), vodArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, path := vodID(args[0]), args[1]
			part, err := strconv.Atoi(args[2])
			if err != nil || part < 1 {
				return fmt.Errorf("invalid part %q", args[2])
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("inspect file: %w", err)
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				videoID, err := a.Archiver.ReuploadPart(cmd.Context(), id, path, part)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reuploaded %s part %d as %s\n", id, part, videoID)
				return nil
			})
		},
	}
}
