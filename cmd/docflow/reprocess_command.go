package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"docflow/internal/queue"
)

func newReprocessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <documentID>",
		Short: "Restart a settled document from scratch",
		Long: "Reprocess returns a completed, failed, or review document to pending under a " +
			"new generation. Prior outputs are discarded; the error log is kept with a reset marker.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}

			return ctx.withStore(func(store *queue.Store) error {
				reset, err := store.Reprocess(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				if !reset {
					return fmt.Errorf("document %d changed state mid-reset; try again", ids[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Document %d queued for reprocessing\n", ids[0])
				return nil
			})
		},
	}
}
