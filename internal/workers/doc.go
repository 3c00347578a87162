// Package workers runs the polling worker pool. Each worker pulls the next
// ready document from the shared store and hands it to the pipeline; a
// background reclaimer returns documents whose worker died to the queue.
package workers
