package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CompareAndUpdate persists pipeline-owned fields of a document only when its
// stored status still equals the expected value. It returns false when the
// precondition failed, meaning another actor moved the document first; the
// caller's in-memory copy is stale and must be discarded.
func (s *Store) CompareAndUpdate(ctx context.Context, doc *Document, expected Status) (bool, error) {
	if doc == nil {
		return false, errors.New("document is nil")
	}
	doc.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE documents
         SET status = ?, attempt_count = ?, generation = ?, generation_attempts = ?,
             confidence = ?, document_type = ?, extracted_fields_json = ?,
             stage_outputs_json = ?, error_log_json = ?, review_reason = ?,
             next_attempt_at = ?, last_heartbeat = ?, updated_at = ?, completed_at = ?
         WHERE id = ? AND status = ?`,
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
		doc.NextAttemptAt.UTC().Format(time.RFC3339Nano),
		nullableTime(doc.LastHeartbeat),
		doc.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(doc.CompletedAt),
		doc.ID,
		expected,
	)
	if err != nil {
		return false, fmt.Errorf("compare and update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClaimForProcessing attempts to take ownership of a pending document for a
// fresh pipeline attempt. The claim is the single idempotency guard: a
// duplicate delivery loses the pending precondition and claims nothing.
// Attempt counters increment and attempt-scoped state is wiped so results
// from an earlier attempt never leak into this one.
func (s *Store) ClaimForProcessing(ctx context.Context, doc *Document) (bool, error) {
	if doc == nil {
		return false, errors.New("document is nil")
	}
	now := time.Now().UTC()
	doc.Status = StatusPreprocessing
	doc.AttemptCount++
	doc.GenerationAttempts++
	doc.ResetForAttempt()
	doc.LastHeartbeat = &now
	doc.NextAttemptAt = now

	claimed, err := s.CompareAndUpdate(ctx, doc, StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim document: %w", err)
	}
	return claimed, nil
}

// RollbackForRetry returns an in-flight document to pending with a backoff
// delay before it becomes visible to workers again. The expected status is
// the stage the document failed in.
func (s *Store) RollbackForRetry(ctx context.Context, doc *Document, expected Status, delay time.Duration) (bool, error) {
	if doc == nil {
		return false, errors.New("document is nil")
	}
	doc.Status = StatusPending
	doc.NextAttemptAt = time.Now().UTC().Add(delay)
	doc.LastHeartbeat = nil
	ok, err := s.CompareAndUpdate(ctx, doc, expected)
	if err != nil {
		return false, fmt.Errorf("rollback for retry: %w", err)
	}
	return ok, nil
}

// UpdateHeartbeat refreshes the liveness timestamp for an in-flight document.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE documents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStaleProcessing returns in-flight documents whose worker stopped
// heartbeating back to pending so another worker can restart them from the
// first stage. Attempt counters and the error log survive the reclaim.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE documents
        SET status = ?, last_heartbeat = NULL, next_attempt_at = ?, updated_at = ?
        WHERE status IN (?, ?, ?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusPending,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		StatusPreprocessing,
		StatusRecognizing,
		StatusClassifying,
		StatusExtracting,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale documents: %w", err)
	}
	return res.RowsAffected()
}

// Reprocess resets a terminal document back to pending for a new generation.
// Prior results are cleared, the retry budget restarts, and a marker is
// appended to the error log recording when and from which status the reset
// happened. In-flight documents are not eligible.
func (s *Store) Reprocess(ctx context.Context, id int64) (bool, error) {
	doc, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, fmt.Errorf("document %d not found", id)
	}
	if doc.IsProcessing() {
		return false, fmt.Errorf("document %d is currently processing", id)
	}
	previous := doc.Status

	doc.Generation++
	doc.GenerationAttempts = 0
	doc.ResetForAttempt()
	if err := doc.AppendError(ErrorEntry{
		Stage:      "reprocess",
		Kind:       "reset",
		Message:    fmt.Sprintf("reprocess requested from %s, starting generation %d", previous, doc.Generation),
		Attempt:    doc.AttemptCount,
		Generation: doc.Generation,
		At:         time.Now().UTC(),
	}); err != nil {
		return false, err
	}
	doc.Status = StatusPending
	doc.NextAttemptAt = time.Now().UTC()
	doc.LastHeartbeat = nil

	ok, err := s.CompareAndUpdate(ctx, doc, previous)
	if err != nil {
		return false, fmt.Errorf("reprocess document: %w", err)
	}
	return ok, nil
}

// ResolveReview finalizes a document awaiting manual review. Approving marks
// it completed; rejecting marks it failed with the reviewer's note appended
// to the error log.
func (s *Store) ResolveReview(ctx context.Context, id int64, approve bool, note string) (bool, error) {
	doc, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, fmt.Errorf("document %d not found", id)
	}
	if doc.Status != StatusNeedsReview {
		return false, fmt.Errorf("document %d is %s, not awaiting review", id, doc.Status)
	}

	if approve {
		doc.Status = StatusCompleted
	} else {
		doc.Status = StatusFailed
		message := "review rejected"
		if note != "" {
			message = "review rejected: " + note
		}
		if err := doc.AppendError(ErrorEntry{
			Stage:      "review",
			Kind:       "rejected",
			Message:    message,
			Attempt:    doc.AttemptCount,
			Generation: doc.Generation,
			At:         time.Now().UTC(),
		}); err != nil {
			return false, err
		}
	}

	ok, err := s.CompareAndUpdate(ctx, doc, StatusNeedsReview)
	if err != nil {
		return false, fmt.Errorf("resolve review: %w", err)
	}
	return ok, nil
}

// RetryFailed moves failed documents back to pending with a fresh retry
// budget. Without ids it retries every failed document.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE documents
            SET status = ?, generation_attempts = 0, next_attempt_at = ?, last_heartbeat = NULL, updated_at = ?
            WHERE status = ?`,
			StatusPending,
			now,
			now,
			StatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed documents: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, StatusPending, now, now)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE documents
        SET status = ?, generation_attempts = 0, next_attempt_at = ?, last_heartbeat = NULL, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(StatusFailed) + `'`
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected documents: %w", err)
	}
	return res.RowsAffected()
}
