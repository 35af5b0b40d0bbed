package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/internal/wfcontext"
	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/runner"
)

// fakeMutator applies a Mutation directly against an in-memory run,
// standing in for the dispatcher's transactional lockedMutate.
func fakeMutator(run *core.WorkflowRun) wfcontext.Mutator {
	return func(ctx context.Context, fn wfcontext.MutateFunc) (*core.WorkflowRun, error) {
		mutation, err := fn(run)
		if err != nil {
			return nil, err
		}
		if mutation == nil {
			return run, nil
		}
		if mutation.Status != nil {
			run.Status = *mutation.Status
		}
		if mutation.CurrentStepID != nil {
			run.CurrentStepID = *mutation.CurrentStepID
		}
		if mutation.Timeline != nil {
			run.Timeline = mutation.Timeline
		}
		if mutation.PausedAt != nil {
			run.PausedAt = mutation.PausedAt
		}
		return run, nil
	}
}

func newDispatch(run *core.WorkflowRun) *wfcontext.Dispatch {
	d := &wfcontext.Dispatch{Run: run}
	d.Mutate = fakeMutator(run)
	return d
}

func TestStepRunner_RunExecutesOnceThenReplaysFromCache(t *testing.T) {
	run := &core.WorkflowRun{Status: core.StatusRunning, Timeline: core.Timeline{}}
	dispatch := newDispatch(run)
	step := runner.New(context.Background(), dispatch, nil)

	calls := 0
	body := func(ctx context.Context) (any, error) {
		calls++
		return "value", nil
	}

	res, err := step.Run("s1", body)
	require.NoError(t, err)
	assert.False(t, res.Suspended)
	assert.Equal(t, "value", res.Value)
	assert.Equal(t, 1, calls)

	res2, err := step.Run("s1", body)
	require.NoError(t, err)
	assert.Equal(t, "value", res2.Value)
	assert.Equal(t, 1, calls, "second call must replay the cached output, not re-invoke the body")
}

func TestStepRunner_WaitForPausesThenReplaysOnMatchingEvent(t *testing.T) {
	run := &core.WorkflowRun{Status: core.StatusRunning, Timeline: core.Timeline{}}
	dispatch := newDispatch(run)
	step := runner.New(context.Background(), dispatch, nil)

	res, err := step.WaitFor("approval", core.WaitForOptions{EventName: "approved"})
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, core.StatusPaused, run.Status)
	assert.True(t, dispatch.ShortCircuited())

	marker, ok := run.WaitForMarkerForCurrentStep()
	require.True(t, ok)
	assert.Equal(t, "approved", marker.EventName)

	// Simulate the dispatcher's resumeWithEvent: flip back to RUNNING and
	// write the step's output, then dispatch again on a fresh Dispatch.
	run.Status = core.StatusRunning
	tl := run.Timeline.Clone()
	tl["approval"] = core.TimelineEntry{Output: []byte(`"ok"`), Timestamp: time.Now()}
	run.Timeline = tl

	dispatch2 := newDispatch(run)
	step2 := runner.New(context.Background(), dispatch2, nil)
	res2, err := step2.WaitFor("approval", core.WaitForOptions{EventName: "approved"})
	require.NoError(t, err)
	assert.False(t, res2.Suspended)
	assert.Equal(t, "ok", res2.Value)
}

func TestStepRunner_ShortCircuitsOnCancelledRun(t *testing.T) {
	run := &core.WorkflowRun{Status: core.StatusCancelled, Timeline: core.Timeline{}}
	dispatch := newDispatch(run)
	step := runner.New(context.Background(), dispatch, nil)

	calls := 0
	res, err := step.Run("s1", func(ctx context.Context) (any, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, 0, calls)
	assert.True(t, dispatch.ShortCircuited())

	res2, err := step.Run("s2", func(ctx context.Context) (any, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res2.Suspended)
	assert.Equal(t, 0, calls, "later step calls in the same dispatch also short-circuit")
}

func TestStepRunner_WaitUntilSchedulesOnlyOnce(t *testing.T) {
	run := &core.WorkflowRun{Status: core.StatusRunning, Timeline: core.Timeline{}}
	dispatch := newDispatch(run)

	scheduleCalls := 0
	scheduleWaitUntil := func(ctx context.Context, eventName string, at time.Time) error {
		scheduleCalls++
		return nil
	}
	step := runner.New(context.Background(), dispatch, scheduleWaitUntil)

	res, err := step.WaitUntil("timer", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, 1, scheduleCalls)

	// A fresh dispatch replaying the same paused state must not
	// re-schedule the delayed delivery.
	dispatch2 := newDispatch(run)
	step2 := runner.New(context.Background(), dispatch2, scheduleWaitUntil)
	res2, err := step2.WaitUntil("timer", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res2.Suspended)
	assert.Equal(t, 1, scheduleCalls, "already-waiting state must not schedule again")
}
