package middleware_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/middleware"
)

func TestChain_RunsInRegistrationOrderThenReverse(t *testing.T) {
	var order []string

	mkMW := func(name string) middleware.Middleware {
		return func(ctx *core.WorkflowContext, next middleware.Next) (any, error) {
			order = append(order, "before:"+name)
			v, err := next(ctx)
			order = append(order, "after:"+name)
			return v, err
		}
	}

	final := func(ctx *core.WorkflowContext) (any, error) {
		order = append(order, "handler")
		return "result", nil
	}

	chained := middleware.Chain([]middleware.Middleware{mkMW("a"), mkMW("b")}, final)
	result, err := chained(&core.WorkflowContext{})
	require.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.Equal(t, []string{"before:a", "before:b", "handler", "after:b", "after:a"}, order)
}

func TestChain_MiddlewareCanSuppressHandler(t *testing.T) {
	handlerCalled := false
	suppress := func(ctx *core.WorkflowContext, next middleware.Next) (any, error) {
		return "suppressed", nil
	}
	final := func(ctx *core.WorkflowContext) (any, error) {
		handlerCalled = true
		return nil, nil
	}

	chained := middleware.Chain([]middleware.Middleware{suppress}, final)
	result, err := chained(&core.WorkflowContext{})
	require.NoError(t, err)
	assert.Equal(t, "suppressed", result)
	assert.False(t, handlerCalled)
}

func TestChain_EmptyMiddlewareListCallsFinalDirectly(t *testing.T) {
	final := func(ctx *core.WorkflowContext) (any, error) {
		return 42, nil
	}
	chained := middleware.Chain(nil, final)
	result, err := chained(&core.WorkflowContext{})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
