// Package apperrors defines the sentinel errors shared across the sandbox.
// Callers classify failures with errors.Is and wrap with fmt.Errorf("...: %w").
package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrPermissionDenied covers missing grants and insufficient permission
	// levels. Raised before any data-store access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSchemaViolation covers disallowed fields/actions/types and missing
	// required fields. Fatal in strict mode, downgraded to warnings in
	// permissive mode where the shape rules allow.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrInjectionDetected is a security boundary: fatal in every validation mode.
	ErrInjectionDetected = errors.New("injection detected")

	// ErrRateLimitExceeded is returned when an agent exhausts its daily quota
	// or the 5-minute burst ceiling.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrExecutionTimeout marks a query abandoned at its deadline. Terminal,
	// non-retryable on the originating request.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrExecutionFailure wraps errors surfaced by the underlying data store.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrSchemaIntrospection is returned by the schema map generator when the
	// database metadata cannot be read.
	ErrSchemaIntrospection = errors.New("schema introspection failed")
)
