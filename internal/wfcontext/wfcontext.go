// Package wfcontext carries per-dispatch state through a context.Context,
// grounded on the teacher's pkg/internal/context.JobContext/CallState
// (context-key-scoped dispatch state shared between the queue worker
// and the step facade), generalized from call-index checkpoints to a
// step-id-keyed dispatch handle.
package wfcontext

import (
	"context"
	"sync"
	"time"

	"github.com/durableflow/engine/pkg/core"
)

type dispatchKey struct{}

// Mutation describes a change to apply to a run row under its
// exclusive lock. Every field is optional; nil/false means "leave
// unchanged." Kept independent of pkg/store's UpdatePartial so this
// package never needs to import the store package.
type Mutation struct {
	Status        *core.RunStatus
	CurrentStepID *string
	Timeline      core.Timeline
	PausedAt      *time.Time
	ClearPausedAt bool
	ResumedAt     *time.Time
	CompletedAt   *time.Time
	Output        *core.JSONValue
	Error         *string
	ClearError    bool
	RetryCount    *int
}

// MutateFunc inspects the freshly exclusive-locked run and describes
// the change to persist, or returns an error to abort the transaction
// without writing anything.
type MutateFunc func(locked *core.WorkflowRun) (*Mutation, error)

// Mutator performs one locked read-modify-write cycle against a run
// row: begin a transaction, SELECT...FOR UPDATE, invoke fn, apply the
// returned Mutation, commit, and return the fresh row.
type Mutator func(ctx context.Context, fn MutateFunc) (*core.WorkflowRun, error)

// Dispatch is the state one handler invocation shares with the step
// facade: the run as of dispatch start, a way to mutate it under lock,
// and a flag the facade flips once the dispatch has short-circuited.
type Dispatch struct {
	mu             sync.Mutex
	Run            *core.WorkflowRun
	Mutate         Mutator
	shortCircuited bool
}

// SetRun replaces the cached run snapshot after a successful mutation.
func (d *Dispatch) SetRun(run *core.WorkflowRun) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Run = run
}

// CurrentRun returns the cached run snapshot.
func (d *Dispatch) CurrentRun() *core.WorkflowRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Run
}

// MarkShortCircuited records that this dispatch hit a terminal/paused
// short-circuit; later step calls in the same dispatch must also
// short-circuit without touching the database again.
func (d *Dispatch) MarkShortCircuited() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shortCircuited = true
}

// ShortCircuited reports whether an earlier step call in this dispatch
// already hit a terminal/paused state.
func (d *Dispatch) ShortCircuited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shortCircuited
}

// With attaches d to ctx.
func With(ctx context.Context, d *Dispatch) context.Context {
	return context.WithValue(ctx, dispatchKey{}, d)
}

// From retrieves the Dispatch attached by With, if any.
func From(ctx context.Context) *Dispatch {
	d, _ := ctx.Value(dispatchKey{}).(*Dispatch)
	return d
}
