// Package services carries the cross-cutting plumbing the pipeline stages and
// orchestrator share: the error taxonomy that separates recoverable from
// unrecoverable stage failures, and the context keys that thread document,
// stage, and request identity through structured logs.
package services
