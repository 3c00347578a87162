package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"docflow/internal/queue"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Resolve documents awaiting manual review",
	}

	reviewCmd.AddCommand(newReviewDecisionCommand(ctx, "approve", true,
		"Accept a document's extracted data and mark it completed"))
	reviewCmd.AddCommand(newReviewDecisionCommand(ctx, "reject", false,
		"Reject a document under review and mark it failed"))
	reviewCmd.AddCommand(newReviewListCommand(ctx))

	return reviewCmd
}

func newReviewDecisionCommand(ctx *commandContext, verb string, approve bool, short string) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   verb + " <documentID>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}

			return ctx.withStore(func(store *queue.Store) error {
				resolved, err := store.ResolveReview(cmd.Context(), ids[0], approve, note)
				if err != nil {
					return err
				}
				if !resolved {
					return fmt.Errorf("document %d is not awaiting review", ids[0])
				}
				outcome := "completed"
				if !approve {
					outcome = "failed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Document %d marked %s\n", ids[0], outcome)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&note, "note", "n", "", "Reviewer note recorded with the decision")
	return cmd
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				docs, err := store.DocumentsByStatus(cmd.Context(), queue.StatusNeedsReview)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No documents awaiting review")
					return nil
				}

				rows := make([][]string, 0, len(docs))
				for _, doc := range docs {
					rows = append(rows, []string{
						fmt.Sprintf("%d", doc.ID),
						truncate(doc.OriginalName, 40),
						doc.DocumentType,
						formatConfidence(doc.Confidence),
						truncate(doc.ReviewReason, 50),
					})
				}
				table := renderTable(
					[]string{"ID", "Name", "Type", "Confidence", "Reason"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}
