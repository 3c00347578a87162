package queue

import (
	"database/sql"
	"errors"
	"time"
)

const documentColumns = "id, source_path, original_name, status, attempt_count, generation, generation_attempts, confidence, document_type, extracted_fields_json, stage_outputs_json, error_log_json, review_reason, priority, next_attempt_at, last_heartbeat, created_at, updated_at, completed_at"

func scanDocument(scanner interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		id               int64
		sourcePath       string
		originalName     sql.NullString
		statusStr        string
		attemptCount     int
		generation       int
		genAttempts      int
		confidence       sql.NullFloat64
		documentType     sql.NullString
		extractedFields  sql.NullString
		stageOutputs     sql.NullString
		errorLog         sql.NullString
		reviewReason     sql.NullString
		priority         int
		nextAttemptRaw   sql.NullString
		lastHeartbeatRaw sql.NullString
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		completedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sourcePath,
		&originalName,
		&statusStr,
		&attemptCount,
		&generation,
		&genAttempts,
		&confidence,
		&documentType,
		&extractedFields,
		&stageOutputs,
		&errorLog,
		&reviewReason,
		&priority,
		&nextAttemptRaw,
		&lastHeartbeatRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	doc := &Document{
		ID:                  id,
		SourcePath:          sourcePath,
		OriginalName:        originalName.String,
		Status:              Status(statusStr),
		AttemptCount:        attemptCount,
		Generation:          generation,
		GenerationAttempts:  genAttempts,
		DocumentType:        documentType.String,
		ExtractedFieldsJSON: extractedFields.String,
		StageOutputsJSON:    stageOutputs.String,
		ErrorLogJSON:        errorLog.String,
		ReviewReason:        reviewReason.String,
		Priority:            priority,
	}
	if confidence.Valid {
		value := confidence.Float64
		doc.Confidence = &value
	}

	if next, err := parseTimeString(nextAttemptRaw.String); err == nil {
		doc.NextAttemptAt = next
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		doc.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		doc.UpdatedAt = updated
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			doc.LastHeartbeat = &heartbeat
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			doc.CompletedAt = &completed
		}
	}
	return doc, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
