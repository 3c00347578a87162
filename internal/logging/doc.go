// Package logging wraps log/slog with the handlers, attribute helpers, and
// shared field names used across docflow. Loggers carry document and stage
// context through context.Context so every record emitted inside a pipeline
// run is attributable to one document attempt.
package logging
