// Package middleware implements the nested request-style pipeline
// spec §4.8 wraps around every handler dispatch: each middleware is
// func(ctx, next) that runs in registration order on the way in and
// reverse order on the way out, the same composition shape as
// echo-style HTTP middleware, generalized here to wrap a workflow
// handler invocation instead of an HTTP request.
package middleware

import (
	"github.com/durableflow/engine/pkg/core"
)

// Next invokes the next stage of the pipeline (ultimately the handler
// itself).
type Next func(ctx *core.WorkflowContext) (any, error)

// Middleware wraps Next with before/after behavior. Returning without
// calling next suppresses the handler for this dispatch entirely — the
// run stays RUNNING and is re-dispatched on the next retry, if any.
type Middleware func(ctx *core.WorkflowContext, next Next) (any, error)

// Chain composes middlewares around final so that the first middleware
// in the slice is outermost (runs first on the way in, last on the way
// out).
func Chain(mws []Middleware, final Next) Next {
	next := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		wrapped := next
		next = func(ctx *core.WorkflowContext) (any, error) {
			return mw(ctx, wrapped)
		}
	}
	return next
}
