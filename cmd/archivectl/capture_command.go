package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/vod-archiver/app"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var withChat bool
	cmd := &cobra.Command{
		Use:   "capture <vod-id>",
		Short: "Capture a live broadcast until it ends, then process and upload it",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), vodArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := vodID(args[0])
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				g, gctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error { return a.Archive(gctx, id) })
				if withChat {
					g.Go(func() error {
						err := a.Harvester.Tail(gctx, id)
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withChat, "with-chat", true, "Harvest chat alongside the capture")
	return cmd
}
