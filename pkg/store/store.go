// Package store implements the Run Store (spec §4.1): CRUD plus
// row-level locking over WorkflowRun records, and the migrations that
// create the schema.
package store

import (
	"context"
	"time"

	"github.com/durableflow/engine/pkg/core"
)

// GetOptions configures a Get call.
type GetOptions struct {
	// ExclusiveLock takes a row-level SELECT ... FOR UPDATE lock,
	// usable inside a surrounding transaction started with WithTransaction.
	ExclusiveLock bool
}

// ListOptions configures a List call.
type ListOptions struct {
	ResourceID    string
	WorkflowID    string
	Statuses      []core.RunStatus
	Limit         int
	StartingAfter string
	EndingBefore  string
}

// ListResult is a page of runs plus opaque cursor pagination state.
type ListResult struct {
	Runs    []*core.WorkflowRun
	HasMore bool
}

// TimeField distinguishes "leave unchanged" (nil *TimeField) from "set
// to a value" (Value non-nil) from "clear the column" (Value nil).
type TimeField struct {
	Value *time.Time
}

// SetTime builds a TimeField that sets the column to t.
func SetTime(t time.Time) *TimeField { return &TimeField{Value: &t} }

// ClearTime builds a TimeField that nulls the column.
func ClearTime() *TimeField { return &TimeField{Value: nil} }

// UpdatePartial merges the non-nil fields into a run row. Every field
// is a pointer/optional so callers only need to set what changed.
type UpdatePartial struct {
	Status        *core.RunStatus
	Output        *core.JSONValue
	Error         *string
	ClearError    bool
	CurrentStepID *string
	Timeline      *core.Timeline
	PausedAt      *TimeField
	ResumedAt     *TimeField
	CompletedAt   *TimeField
	TimeoutAt     *TimeField
	RetryCount    *int
	JobID         *string
	Cron          *string
	Timezone      *string
}

// Store is the Run Store contract from spec §4.1.
type Store interface {
	// Migrate creates workflow_runs and its indexes if absent, and
	// additively applies newer columns/indexes to a pre-existing table.
	// Idempotent; never drops or renames.
	Migrate(ctx context.Context) error

	// Insert allocates a sortable id when run.ID is empty, writes the
	// row, and returns the materialized record. Status defaults to
	// RUNNING and the timeline to empty only when the caller leaves them
	// unset; a caller-supplied status and retryCount are written as given.
	Insert(ctx context.Context, run *core.WorkflowRun) (*core.WorkflowRun, error)

	// Get returns the row, or a NotFoundError when the id is absent or
	// resourceID (if non-empty) does not match.
	Get(ctx context.Context, runID, resourceID string, opts GetOptions) (*core.WorkflowRun, error)

	// GetLastCompleted returns the most recent COMPLETED run for a
	// workflow id, or nil if none exists.
	GetLastCompleted(ctx context.Context, workflowID string) (*core.WorkflowRun, error)

	// Update merges partial into the row, bumps UpdatedAt, and returns
	// the updated row, or a NotFoundError.
	Update(ctx context.Context, runID, resourceID string, partial UpdatePartial) (*core.WorkflowRun, error)

	// FindActiveByIdempotencyKey returns a non-terminal run matching
	// workflowID+idempotencyKey, or nil if none exists.
	FindActiveByIdempotencyKey(ctx context.Context, workflowID, idempotencyKey string) (*core.WorkflowRun, error)

	// List returns at most min(max(limit,1),100) rows ordered by
	// CreatedAt DESC with opaque cursor pagination.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// WithTransaction executes fn inside BEGIN/COMMIT with automatic
	// ROLLBACK on any error, passing a Store bound to that transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
