package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// DefaultPriority is assigned to documents enqueued without an explicit priority.
const DefaultPriority = 5

// NewDocument inserts a freshly ingested document in pending state. Lower
// priority values are picked up first.
func (s *Store) NewDocument(ctx context.Context, sourcePath string, priority int) (*Document, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO documents (
            source_path, original_name, status, attempt_count, generation, generation_attempts,
            priority, next_attempt_at, created_at, updated_at
        ) VALUES (?, ?, ?, 0, 1, 0, ?, ?, ?, ?)`,
		sourcePath,
		nullableString(filepath.Base(sourcePath)),
		StatusPending,
		priority,
		timestamp,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a document by identifier. Returns nil without error when
// the document does not exist.
func (s *Store) GetByID(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// Update persists changes to an existing document without a status
// precondition. Pipeline code must use CompareAndUpdate instead; this is for
// administrative edits where no concurrent worker can hold the document.
func (s *Store) Update(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New("document is nil")
	}
	doc.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE documents
         SET source_path = ?, original_name = ?, status = ?, attempt_count = ?,
             generation = ?, generation_attempts = ?, confidence = ?, document_type = ?,
             extracted_fields_json = ?, stage_outputs_json = ?, error_log_json = ?,
             review_reason = ?, priority = ?, next_attempt_at = ?, last_heartbeat = ?,
             updated_at = ?, completed_at = ?
         WHERE id = ?`,
		doc.SourcePath,
		nullableString(doc.OriginalName),
		doc.Status,
		doc.AttemptCount,
		doc.Generation,
		doc.GenerationAttempts,
		nullableFloat(doc.Confidence),
		nullableString(doc.DocumentType),
		nullableString(doc.ExtractedFieldsJSON),
		nullableString(doc.StageOutputsJSON),
		nullableString(doc.ErrorLogJSON),
		nullableString(doc.ReviewReason),
		doc.Priority,
		doc.NextAttemptAt.UTC().Format(time.RFC3339Nano),
		nullableTime(doc.LastHeartbeat),
		doc.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(doc.CompletedAt),
		doc.ID,
	); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// DocumentsByStatus returns documents matching a status ordered by creation time.
func (s *Store) DocumentsByStatus(ctx context.Context, status Status) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// List returns documents filtered by status set (or all documents when no status is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Document, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + documentColumns + ` FROM documents`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// NextReady returns the next pending document whose backoff delay has passed,
// preferring lower priority values and then older documents. Returns nil when
// nothing is ready.
func (s *Store) NextReady(ctx context.Context, now time.Time) (*Document, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+documentColumns+` FROM documents
         WHERE status = ? AND next_attempt_at <= ?
         ORDER BY priority, created_at LIMIT 1`,
		StatusPending,
		now.UTC().Format(time.RFC3339Nano),
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Remove deletes a document by identifier.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearCompleted removes only completed documents.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM documents WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed removes only failed documents.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM documents WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all documents.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, fmt.Errorf("clear documents: %w", err)
	}
	return res.RowsAffected()
}
