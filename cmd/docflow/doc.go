// Command docflow is the operator CLI for the document pipeline: it enqueues
// files, inspects and manages the queue, resolves manual review, and can run
// the daemon in the foreground.
package main
