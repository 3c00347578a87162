package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"docflow/internal/queue"
)

var titleCaser = cases.Title(language.Und)

// statusLabel renders a status value as a human heading, e.g.
// "needs_review" becomes "Needs Review".
func statusLabel(status queue.Status) string {
	return titleCaser.String(strings.ReplaceAll(string(status), "_", " "))
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func formatOptionalTime(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return formatTimestamp(*ts)
}

func formatConfidence(confidence *float64) string {
	if confidence == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *confidence)
}

func truncate(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	if max <= 3 {
		return value[:max]
	}
	return value[:max-3] + "..."
}

func parseIDArgs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid document id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func buildQueueListRows(docs []*queue.Document) [][]string {
	rows := make([][]string, 0, len(docs))
	for _, doc := range docs {
		name := doc.OriginalName
		if name == "" {
			name = filepath.Base(doc.SourcePath)
		}
		rows = append(rows, []string{
			strconv.FormatInt(doc.ID, 10),
			truncate(name, 40),
			statusLabel(doc.Status),
			doc.DocumentType,
			formatConfidence(doc.Confidence),
			strconv.Itoa(doc.Priority),
			formatTimestamp(doc.CreatedAt),
		})
	}
	return rows
}

// buildQueueStatusRows orders counts in pipeline order so the summary reads
// top to bottom the way a document moves.
func buildQueueStatusRows(stats map[queue.Status]int) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, status := range queue.AllStatuses() {
		count, ok := stats[status]
		if !ok || count == 0 {
			continue
		}
		rows = append(rows, []string{statusLabel(status), strconv.Itoa(count)})
	}
	return rows
}
