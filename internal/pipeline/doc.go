// Package pipeline drives a document through its processing stages. The
// orchestrator claims a pending document with a status-guarded update, runs
// preprocess, recognize, classify, and extract in order under per-stage
// timeouts, and persists each advance with the same status guard so a
// duplicate delivery or a stale worker can never double-apply an effect.
//
// Failures split along the services error taxonomy: recoverable errors roll
// the document back to pending with exponential backoff until the attempt
// budget runs out, unrecoverable errors fail the document immediately. Low
// recognition confidence routes an otherwise successful run to manual review.
package pipeline
