// Package core provides the fundamental types shared by every layer of
// the workflow engine.
//
// This package contains:
//   - WorkflowRun and Timeline, the persisted execution state of one run
//   - WorkflowDefinition and the step-list builder
//   - the error taxonomy (ValidationError, NotFoundError, WorkflowError)
//   - the step facade types (Step, StepResult, WorkflowContext)
//
// Most users should import the root package
// github.com/durableflow/engine instead of this package directly.
package core
