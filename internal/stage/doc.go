// Package stage defines the contracts the pipeline orchestrator needs from
// each processing stage. Implementations live under internal/stages and tag
// failures with the services error markers so the orchestrator can tell
// retryable trouble from permanent rejection.
package stage
