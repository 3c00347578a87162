package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"docflow/internal/daemon"
	"docflow/internal/queue"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Queue a document file for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath, err := daemon.ResolveDocumentPath(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *queue.Store) error {
				doc, err := store.NewDocument(cmd.Context(), absPath, priority)
				if err != nil {
					return fmt.Errorf("enqueue document: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued document %d (%s) at priority %d\n",
					doc.ID, doc.OriginalName, doc.Priority)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", queue.DefaultPriority, "Queue priority (lower runs first)")
	return cmd
}
