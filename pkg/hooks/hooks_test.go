package hooks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/hooks"
)

func TestOnStart_Invoked(t *testing.T) {
	run := &core.WorkflowRun{ID: "run_1"}
	called := false
	h := &core.Hooks{OnStart: func(ctx context.Context, r *core.WorkflowRun) { called = true }}

	hooks.OnStart(context.Background(), nil, h, run)
	assert.True(t, called)
}

func TestOnStart_NilHooksNoPanic(t *testing.T) {
	run := &core.WorkflowRun{ID: "run_1"}
	assert.NotPanics(t, func() {
		hooks.OnStart(context.Background(), nil, nil, run)
	})
}

func TestHookPanicIsSwallowed(t *testing.T) {
	run := &core.WorkflowRun{ID: "run_1"}
	h := &core.Hooks{OnFailure: func(ctx context.Context, r *core.WorkflowRun, err error) {
		panic("boom")
	}}

	assert.NotPanics(t, func() {
		hooks.OnFailure(context.Background(), nil, h, run, assert.AnError)
	})
}

func TestOnComplete_ReceivesOkAndError(t *testing.T) {
	run := &core.WorkflowRun{ID: "run_1"}
	var gotOK bool
	var gotErr error
	h := &core.Hooks{OnComplete: func(ctx context.Context, r *core.WorkflowRun, ok bool, output any, err error) {
		gotOK = ok
		gotErr = err
	}}

	hooks.OnComplete(context.Background(), nil, h, run, false, nil, assert.AnError)
	assert.False(t, gotOK)
	assert.Equal(t, assert.AnError, gotErr)
}
