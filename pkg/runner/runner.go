// Package runner implements the Handler Runner (spec §4.3): the
// step.run/waitFor/pause/waitUntil facade a workflow handler uses to
// reach the four durable-step primitives, replaying cached timeline
// entries and short-circuiting once a dispatch hits a terminal or
// paused run.
//
// Grounded on the teacher's pkg/call.Call[T] checkpoint cache
// (cs.checkpoints[callIndex]) and internal/context.CallState,
// generalized from a call-index-keyed list to a step-id-keyed
// timeline, since named steps (not positional call indices) are the
// unit of replay here.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/durableflow/engine/internal/wfcontext"
	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/security"
)

// stepRunner implements core.Step against one dispatch's Mutator.
type stepRunner struct {
	ctx      context.Context
	dispatch *wfcontext.Dispatch

	// scheduleWaitUntil enqueues the delayed delivery that wakes a
	// waitUntil step; supplied by the dispatcher since it owns the
	// queue adapter.
	scheduleWaitUntil func(ctx context.Context, eventName string, at time.Time) error
}

// New constructs the Step facade for one dispatch.
func New(ctx context.Context, dispatch *wfcontext.Dispatch, scheduleWaitUntil func(ctx context.Context, eventName string, at time.Time) error) core.Step {
	return &stepRunner{ctx: ctx, dispatch: dispatch, scheduleWaitUntil: scheduleWaitUntil}
}

func (s *stepRunner) terminalOrPaused(run *core.WorkflowRun) bool {
	switch run.Status {
	case core.StatusCancelled, core.StatusPaused, core.StatusFailed:
		return true
	default:
		return false
	}
}

func (s *stepRunner) Run(stepID string, body core.StepBody) (core.StepResult, error) {
	if s.dispatch.ShortCircuited() {
		return core.StepResult{Suspended: true}, nil
	}

	run := s.dispatch.CurrentRun()
	if s.terminalOrPaused(run) {
		s.dispatch.MarkShortCircuited()
		return core.StepResult{Suspended: true}, nil
	}

	if entry, ok := run.Timeline[stepID]; ok && entry.HasOutput() {
		var value any
		if err := json.Unmarshal(entry.Output, &value); err != nil {
			return core.StepResult{}, fmt.Errorf("runner: decode cached output for step %q: %w", stepID, err)
		}
		return core.StepResult{Value: value}, nil
	}

	stepIDCopy := stepID
	_, err := s.dispatch.Mutate(s.ctx, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
		if s.terminalOrPaused(locked) {
			return nil, errShortCircuitLocked
		}
		if entry, ok := locked.Timeline[stepID]; ok && entry.HasOutput() {
			return nil, errAlreadyCached
		}
		return &wfcontext.Mutation{CurrentStepID: &stepIDCopy}, nil
	})
	if err == errShortCircuitLocked {
		s.dispatch.MarkShortCircuited()
		return core.StepResult{Suspended: true}, nil
	}
	if err == errAlreadyCached {
		run = s.dispatch.CurrentRun()
		entry := run.Timeline[stepID]
		var value any
		if jsonErr := json.Unmarshal(entry.Output, &value); jsonErr != nil {
			return core.StepResult{}, fmt.Errorf("runner: decode cached output for step %q: %w", stepID, jsonErr)
		}
		return core.StepResult{Value: value}, nil
	}
	if err != nil {
		return core.StepResult{}, err
	}

	result, bodyErr := body(s.ctx)
	if bodyErr != nil {
		message := security.SanitizeErrorMessage(bodyErr.Error())
		s.dispatch.Mutate(s.ctx, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
			status := core.StatusFailed
			return &wfcontext.Mutation{Status: &status, Error: &message}, nil
		})
		return core.StepResult{}, bodyErr
	}

	output, err := core.NewJSONValue(result)
	if err != nil {
		return core.StepResult{}, fmt.Errorf("runner: encode output for step %q: %w", stepID, err)
	}

	now := time.Now().UTC()
	updated, err := s.dispatch.Mutate(s.ctx, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
		tl := locked.Timeline.Clone()
		tl[stepID] = core.TimelineEntry{Output: json.RawMessage(output), Timestamp: now}
		return &wfcontext.Mutation{Timeline: tl}, nil
	})
	if err != nil {
		return core.StepResult{}, err
	}
	s.dispatch.SetRun(updated)

	var value any
	if err := json.Unmarshal(output, &value); err != nil {
		return core.StepResult{}, err
	}
	return core.StepResult{Value: value}, nil
}

func (s *stepRunner) WaitFor(stepID string, opts core.WaitForOptions) (core.StepResult, error) {
	if s.dispatch.ShortCircuited() {
		return core.StepResult{Suspended: true}, nil
	}

	run := s.dispatch.CurrentRun()
	if s.terminalOrPaused(run) {
		s.dispatch.MarkShortCircuited()
		return core.StepResult{Suspended: true}, nil
	}

	if entry, ok := run.Timeline[stepID]; ok && entry.HasOutput() {
		var value any
		if err := json.Unmarshal(entry.Output, &value); err != nil {
			return core.StepResult{}, err
		}
		return core.StepResult{Value: value}, nil
	}

	now := time.Now().UTC()
	stepIDCopy := stepID
	updated, err := s.dispatch.Mutate(s.ctx, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
		if s.terminalOrPaused(locked) {
			return nil, errShortCircuitLocked
		}
		if entry, ok := locked.Timeline[stepID]; ok && entry.HasOutput() {
			return nil, errAlreadyCached
		}
		tl := locked.Timeline.Clone()
		tl[core.WaitForStepKey(stepID)] = core.TimelineEntry{
			WaitFor:   &core.WaitForMarker{EventName: opts.EventName, Timeout: opts.Timeout},
			Timestamp: now,
		}
		status := core.StatusPaused
		return &wfcontext.Mutation{
			Status:        &status,
			CurrentStepID: &stepIDCopy,
			Timeline:      tl,
			PausedAt:      &now,
		}, nil
	})
	if err == errShortCircuitLocked {
		s.dispatch.MarkShortCircuited()
		return core.StepResult{Suspended: true}, nil
	}
	if err == errAlreadyCached {
		run = s.dispatch.CurrentRun()
		entry := run.Timeline[stepID]
		var value any
		if jsonErr := json.Unmarshal(entry.Output, &value); jsonErr != nil {
			return core.StepResult{}, jsonErr
		}
		return core.StepResult{Value: value}, nil
	}
	if err != nil {
		return core.StepResult{}, err
	}

	s.dispatch.SetRun(updated)
	s.dispatch.MarkShortCircuited()
	return core.StepResult{Suspended: true}, nil
}

func (s *stepRunner) Pause(stepID string) (core.StepResult, error) {
	return s.WaitFor(stepID, core.WaitForOptions{EventName: core.InternalPauseEvent})
}

func (s *stepRunner) WaitUntil(stepID string, at time.Time) (core.StepResult, error) {
	eventName := core.WaitUntilEventName(stepID)

	run := s.dispatch.CurrentRun()
	alreadyWaiting := false
	if entry, ok := run.Timeline[core.WaitForStepKey(stepID)]; ok && entry.WaitFor != nil {
		alreadyWaiting = true
	}

	result, err := s.WaitFor(stepID, core.WaitForOptions{EventName: eventName})
	if err != nil {
		return result, err
	}
	if result.Suspended && !alreadyWaiting && s.scheduleWaitUntil != nil {
		if scheduleErr := s.scheduleWaitUntil(s.ctx, eventName, at); scheduleErr != nil {
			return result, scheduleErr
		}
	}
	return result, nil
}

// sentinel errors used only to short-circuit out of a Mutate closure;
// never escape this package.
type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const (
	errShortCircuitLocked = sentinelErr("runner: short circuit")
	errAlreadyCached      = sentinelErr("runner: already cached")
)
