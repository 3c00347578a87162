package logging

// Shared structured field names. Keeping these centralized makes log output
// greppable across the daemon, orchestrator, and CLI.
const (
	FieldComponent  = "component"
	FieldDocumentID = "document_id"
	FieldStage      = "stage"
	FieldRequestID  = "request_id"
	FieldEventType  = "event_type"
	FieldErrorKind  = "error_kind"
	FieldErrorHint  = "error_hint"
	FieldAttempt    = "attempt"
	FieldGeneration = "generation"
	FieldStatus     = "status"
)
