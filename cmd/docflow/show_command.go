package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"docflow/internal/queue"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var showFields bool
	var showErrors bool

	cmd := &cobra.Command{
		Use:   "show <documentID>",
		Short: "Show details for a queued document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}

			return ctx.withStore(func(store *queue.Store) error {
				doc, err := store.GetByID(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("document %d not found", ids[0])
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader(fmt.Sprintf("Document %d", doc.ID), colorize) {
					fmt.Fprintln(out, line)
				}

				fmt.Fprintf(out, "%-16s %s\n", "Name:", doc.OriginalName)
				fmt.Fprintf(out, "%-16s %s\n", "Source:", doc.SourcePath)
				fmt.Fprintf(out, "%-16s %s\n", "Status:", statusLabel(doc.Status))
				if doc.DocumentType != "" {
					fmt.Fprintf(out, "%-16s %s\n", "Type:", doc.DocumentType)
				}
				fmt.Fprintf(out, "%-16s %s\n", "Confidence:", formatConfidence(doc.Confidence))
				fmt.Fprintf(out, "%-16s %d\n", "Priority:", doc.Priority)
				fmt.Fprintf(out, "%-16s %d (attempt %d of generation %d)\n", "Attempts:",
					doc.AttemptCount, doc.GenerationAttempts, doc.Generation)
				if doc.ReviewReason != "" {
					fmt.Fprintf(out, "%-16s %s\n", "Review reason:", doc.ReviewReason)
				}
				fmt.Fprintf(out, "%-16s %s\n", "Created:", formatTimestamp(doc.CreatedAt))
				fmt.Fprintf(out, "%-16s %s\n", "Updated:", formatTimestamp(doc.UpdatedAt))
				fmt.Fprintf(out, "%-16s %s\n", "Completed:", formatOptionalTime(doc.CompletedAt))

				if showFields || doc.Status == queue.StatusCompleted || doc.Status == queue.StatusNeedsReview {
					if err := printExtractedFields(out, doc); err != nil {
						return err
					}
				}
				if showErrors || doc.Status == queue.StatusFailed {
					if err := printErrorLog(out, doc); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showFields, "fields", false, "Always print extracted fields")
	cmd.Flags().BoolVar(&showErrors, "errors", false, "Always print the error log")
	return cmd
}

func printExtractedFields(out io.Writer, doc *queue.Document) error {
	fields, err := doc.ExtractedFields()
	if err != nil {
		return fmt.Errorf("decode extracted fields: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Extracted fields:")
	for _, key := range keys {
		fmt.Fprintf(out, "  %-20s %s\n", key+":", renderFieldValue(fields[key]))
	}
	return nil
}

func printErrorLog(out io.Writer, doc *queue.Document) error {
	entries, err := doc.ErrorLog()
	if err != nil {
		return fmt.Errorf("decode error log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Error log:")
	for _, entry := range entries {
		fmt.Fprintf(out, "  %s gen %d attempt %d [%s/%s] %s\n",
			formatTimestamp(entry.At), entry.Generation, entry.Attempt,
			entry.Stage, entry.Kind, entry.Message)
	}
	return nil
}

func renderFieldValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "-"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.TrimSpace(string(encoded))
	}
}
