// Package daemon coordinates the background processing services and exposes
// the operations the CLI drives: enqueueing documents, inspecting the queue,
// retrying and reprocessing, and resolving manual review. A file lock enforces
// single-instance execution.
package daemon
