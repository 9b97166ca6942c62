// Package logging defines the minimal structured logging contract shared by
// every kernel component, plus slog-backed and no-op implementations.
package logging
