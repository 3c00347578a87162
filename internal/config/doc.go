// Package config loads, normalizes, and validates the TOML configuration for
// the docflow daemon and CLI. Defaults live in defaults.go; Load applies file
// values on top of them, expands paths, and rejects unusable combinations
// before any other subsystem starts.
package config
