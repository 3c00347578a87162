// Package queue persists document records in SQLite and doubles as the work
// queue: a document's status plus its next_attempt_at column decide when a
// worker may pick it up, and the status column is the fencing token that
// keeps duplicate or stale deliveries from double-advancing a document.
//
// All mutations made during pipeline execution go through CompareAndUpdate,
// an optimistic single-row read-modify-write guarded by the expected status.
// A lost precondition means another worker (or a reclaim/reprocess) won the
// race; the loser discards its write and no-ops.
package queue
