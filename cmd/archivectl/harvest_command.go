package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/app"
)

func newHarvestCommand(ctx *commandContext) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "harvest <vod-id>",
		Short: "Fetch the chat replay of a broadcast, resuming from the stored cursor",
		Long: "Fetch the chat replay of a broadcast. Without --once the harvest re-arms " +
			"every CHAT_REARM_DELAY while the channel is live.",
		Args: cobra.MatchAll(cobra.ExactArgs(1), vodArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := vodID(args[0])
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				if _, err := a.EnsureVOD(cmd.Context(), id); err != nil {
					return err
				}
				if !once {
					return a.Harvester.Tail(cmd.Context(), id)
				}
				cp, err := a.Harvester.LoadCheckpoint(cmd.Context(), id)
				if err != nil {
					return err
				}
				cp, err = a.Harvester.Run(cmd.Context(), id, cp)
				if err != nil {
					return err
				}
				n, err := a.Store.CountComments(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d comments stored for %s (offset %d)\n", n, id, cp.Offset)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass instead of re-arming while live")
	return cmd
}
