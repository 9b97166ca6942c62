// Package model defines the backend contract the kernel drives: one blocking
// Complete call over an exchange history, a lightweight Ping health probe, and
// a failure taxonomy that folds connection errors, timeouts and retryable
// upstream statuses into a single service-unavailable classification.
//
// Provider adapters live in the subpackages model/anthropic and model/openai.
// MockModel and ScriptedModel back the kernel's deterministic tests.
package model
