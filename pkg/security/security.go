// Package security provides validation, sanitization, and limits for the
// engine, adapted from the teacher's job-queue hardening rules to workflow
// ids, resource ids, and event names.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/durableflow/engine/pkg/core"
)

// Limits and configuration.
const (
	// MaxWorkflowIDLength is the maximum length for a workflow id.
	MaxWorkflowIDLength = 255

	// MaxInputSize is a 1 MiB size figure for a workflow's JSON
	// input/output payload. No function in this module checks payloads
	// against it.
	MaxInputSize = 1 << 20

	// MaxRetries is the hard ceiling on retryPolicy.maxAttempts.
	MaxRetries = 100

	// MaxConcurrency is the hard ceiling on a concurrencyLimit.
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error text.
	MaxErrorMessageLength = 4096

	// MaxResourceIDLength is the maximum length for a resourceId.
	MaxResourceIDLength = 255

	// MaxIdempotencyKeyLength is the maximum length for an idempotencyKey.
	MaxIdempotencyKeyLength = 255

	// MaxEventNameLength is the maximum length for a triggerEvent name.
	MaxEventNameLength = 255
)

// validIdentifier matches alphanumeric, hyphens, underscores, and dots,
// starting with a letter — the same shape the teacher enforced for job
// type names, reused here for workflow ids. Event names are checked for
// length only (see ValidateEventName).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateWorkflowID validates a workflow id used at registerWorkflow.
func ValidateWorkflowID(id string) error {
	if id == "" {
		return core.NewValidationError("workflowId", "must not be empty")
	}
	if len(id) > MaxWorkflowIDLength {
		return core.NewValidationError("workflowId", "exceeds maximum length")
	}
	if !validIdentifier.MatchString(id) {
		return core.NewValidationError("workflowId", "must start with a letter and contain only letters, digits, '_', '-', '.'")
	}
	return nil
}

// ValidateEventName validates a triggerEvent/waitFor event name.
func ValidateEventName(name string) error {
	if name == "" {
		return core.NewValidationError("eventName", "must not be empty")
	}
	if len(name) > MaxEventNameLength {
		return core.NewValidationError("eventName", "exceeds maximum length")
	}
	return nil
}

// isStorableRune maps r to itself when it is safe to persist verbatim in
// a run's error column, or to -1 (dropped by strings.Map) otherwise.
// ASCII control characters and DEL are dropped, except the three
// whitespace controls a stack trace or multi-line message relies on.
func isStorableRune(r rune) rune {
	if r == '\n' || r == '\r' || r == '\t' {
		return r
	}
	if r < 32 || r == 127 {
		return -1
	}
	return r
}

// SanitizeErrorMessage strips control characters and truncates err text
// before it is persisted on a run.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	stripped := strings.Map(isStorableRune, msg)
	if utf8.RuneCountInString(stripped) <= MaxErrorMessageLength {
		return stripped
	}

	runes := []rune(stripped)
	return string(runes[:MaxErrorMessageLength-3]) + "..."
}

// clamp confines n to [lo, hi], the shared bound used by ClampRetries
// and ClampConcurrency.
func clamp(n, lo, hi int) int {
	switch {
	case n < lo:
		return lo
	case n > hi:
		return hi
	default:
		return n
	}
}

// ClampRetries ensures retryPolicy.maxAttempts stays within bounds.
func ClampRetries(n int) int {
	return clamp(n, 0, MaxRetries)
}

// ClampConcurrency ensures concurrencyLimit.limit stays within bounds.
func ClampConcurrency(n int) int {
	return clamp(n, 1, MaxConcurrency)
}

// ValidateIdempotencyKey bounds an idempotencyKey's length.
func ValidateIdempotencyKey(key string) error {
	if len(key) > MaxIdempotencyKeyLength {
		return core.NewValidationError("idempotencyKey", "exceeds maximum length")
	}
	return nil
}

// ValidateResourceID bounds a resourceId's length.
func ValidateResourceID(id string) error {
	if len(id) > MaxResourceIDLength {
		return core.NewValidationError("resourceId", "exceeds maximum length")
	}
	return nil
}
