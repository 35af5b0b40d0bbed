package core

import (
	"fmt"
	"time"
)

// ValidationError surfaces synchronously from registration or
// startWorkflow calls: duplicate ids, invalid cron expressions, empty
// step lists, schema rejection.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError surfaces synchronously from getRun/updateRun against a
// missing run, or one whose resourceId does not match.
type NotFoundError struct {
	RunID      string
	ResourceID string
}

func (e *NotFoundError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("run %q not found for resource %q", e.RunID, e.ResourceID)
	}
	return fmt.Sprintf("run %q not found", e.RunID)
}

// NewNotFoundError constructs a NotFoundError.
func NewNotFoundError(runID, resourceID string) *NotFoundError {
	return &NotFoundError{RunID: runID, ResourceID: resourceID}
}

// WorkflowError is the exception carried back to callers on step or
// handler failure, per spec §7: it exposes {workflowId, runId, cause}.
type WorkflowError struct {
	WorkflowID string
	RunID      string
	Cause      error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %q run %q: %v", e.WorkflowID, e.RunID, e.Cause)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

// NewWorkflowError wraps cause with run/workflow identifiers.
func NewWorkflowError(workflowID, runID string, cause error) *WorkflowError {
	return &WorkflowError{WorkflowID: workflowID, RunID: runID, Cause: cause}
}

// PoisonJobError marks a dispatch that can never succeed: the run id is
// unknown, or the workflow definition is no longer registered.
type PoisonJobError struct {
	Reason string
}

func (e *PoisonJobError) Error() string { return "poison job: " + e.Reason }

// NewPoisonJobError constructs a PoisonJobError.
func NewPoisonJobError(reason string) *PoisonJobError {
	return &PoisonJobError{Reason: reason}
}

// NoRetryError indicates a step/handler error that should not be
// retried regardless of the workflow's retry policy.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string { return fmt.Sprintf("no retry: %v", e.Err) }
func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error { return &NoRetryError{Err: err} }

// RetryAfterError indicates a step/handler error that should be
// retried after a specific delay, overriding the computed backoff.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string { return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err) }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps an error to indicate it should be retried after d,
// overriding the workflow's configured backoff for this attempt.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
