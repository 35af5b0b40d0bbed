// Package hooks invokes a WorkflowDefinition's lifecycle callbacks,
// grounded on the teacher's pkg/queue.Queue CallStartHooks/
// CallCompleteHooks/CallFailHooks/CallRetryHooks pattern: copy what's
// registered, invoke outside any lock, recover a panicking hook so it
// can never affect a run's status or the dispatcher's retry decision.
package hooks

import (
	"context"
	"log/slog"

	"github.com/durableflow/engine/pkg/core"
)

// Fire invokes hook with panic recovery, logging and swallowing any
// failure. hook may be nil.
func Fire(ctx context.Context, logger *slog.Logger, name string, run *core.WorkflowRun, hook func()) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("lifecycle hook panicked", "hook", name, "runId", run.ID, "panic", r)
			}
		}
	}()
	hook()
}

// OnStart fires def.Hooks.OnStart, if set.
func OnStart(ctx context.Context, logger *slog.Logger, h *core.Hooks, run *core.WorkflowRun) {
	if h == nil || h.OnStart == nil {
		return
	}
	Fire(ctx, logger, "onStart", run, func() { h.OnStart(ctx, run) })
}

// OnSuccess fires def.Hooks.OnSuccess, if set.
func OnSuccess(ctx context.Context, logger *slog.Logger, h *core.Hooks, run *core.WorkflowRun, output any) {
	if h == nil || h.OnSuccess == nil {
		return
	}
	Fire(ctx, logger, "onSuccess", run, func() { h.OnSuccess(ctx, run, output) })
}

// OnFailure fires def.Hooks.OnFailure, if set.
func OnFailure(ctx context.Context, logger *slog.Logger, h *core.Hooks, run *core.WorkflowRun, err error) {
	if h == nil || h.OnFailure == nil {
		return
	}
	Fire(ctx, logger, "onFailure", run, func() { h.OnFailure(ctx, run, err) })
}

// OnComplete fires def.Hooks.OnComplete, if set.
func OnComplete(ctx context.Context, logger *slog.Logger, h *core.Hooks, run *core.WorkflowRun, ok bool, output any, err error) {
	if h == nil || h.OnComplete == nil {
		return
	}
	Fire(ctx, logger, "onComplete", run, func() { h.OnComplete(ctx, run, ok, output, err) })
}

// OnCancel fires def.Hooks.OnCancel, if set.
func OnCancel(ctx context.Context, logger *slog.Logger, h *core.Hooks, run *core.WorkflowRun) {
	if h == nil || h.OnCancel == nil {
		return
	}
	Fire(ctx, logger, "onCancel", run, func() { h.OnCancel(ctx, run) })
}
