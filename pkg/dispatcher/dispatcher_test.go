package dispatcher_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/dispatcher"
	"github.com/durableflow/engine/pkg/queueadapter"
	"github.com/durableflow/engine/pkg/registry"
	"github.com/durableflow/engine/pkg/store"
)

func setupDispatcher(t *testing.T) (store.Store, *queueadapter.GormAdapter, *registry.Registry) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := store.NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))

	q := queueadapter.NewGormAdapter(db)
	require.NoError(t, q.Migrate(context.Background()))

	return s, q, registry.New()
}

func fastConfig() dispatcher.Config {
	return dispatcher.Config{WorkerCount: 2, PollingInterval: 5 * time.Millisecond, BatchSize: 4, ExpireInSeconds: 60}
}

func enqueue(t *testing.T, ctx context.Context, q *queueadapter.GormAdapter, payload dispatcher.RunPayload) {
	encoded, err := payload.Encode()
	require.NoError(t, err)
	require.NoError(t, q.Send(ctx, queueadapter.SharedRunQueue, encoded, queueadapter.SendOptions{}))
}

func TestDispatcher_HappyPath(t *testing.T) {
	s, q, reg := setupDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var onSuccessCalled, onCompleteCalled int32

	def := &core.WorkflowDefinition{
		ID:    "greet",
		Steps: core.NewStepList().Step("say-hi", core.StepKindRun),
		Handler: func(wctx *core.WorkflowContext) (any, error) {
			res, err := wctx.Step.Run("say-hi", func(ctx context.Context) (any, error) {
				return "hello", nil
			})
			if err != nil || res.Suspended {
				return nil, err
			}
			return res.Value, nil
		},
		Hooks: &core.Hooks{
			OnSuccess:  func(ctx context.Context, run *core.WorkflowRun, output any) { atomic.AddInt32(&onSuccessCalled, 1) },
			OnComplete: func(ctx context.Context, run *core.WorkflowRun, ok bool, output any, err error) { atomic.AddInt32(&onCompleteCalled, 1) },
		},
	}
	require.NoError(t, reg.Register(def))

	run, err := s.Insert(ctx, &core.WorkflowRun{WorkflowID: "greet", Status: core.StatusRunning})
	require.NoError(t, err)

	d := dispatcher.New(s, q, reg, nil, fastConfig())
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	enqueue(t, ctx, q, dispatcher.RunPayload{RunID: run.ID, WorkflowID: "greet"})

	assert.Eventually(t, func() bool {
		fetched, err := s.Get(ctx, run.ID, "", store.GetOptions{})
		return err == nil && fetched.Status == core.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&onSuccessCalled))
	assert.Equal(t, int32(1), atomic.LoadInt32(&onCompleteCalled))
}

func TestDispatcher_WaitForResumesOnMatchingEvent(t *testing.T) {
	s, q, reg := setupDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def := &core.WorkflowDefinition{
		ID:    "approval",
		Steps: core.NewStepList().Step("ask", core.StepKindWaitFor),
		Handler: func(wctx *core.WorkflowContext) (any, error) {
			res, err := wctx.Step.WaitFor("ask", core.WaitForOptions{EventName: "approved"})
			if err != nil || res.Suspended {
				return nil, err
			}
			return res.Value, nil
		},
	}
	require.NoError(t, reg.Register(def))

	run, err := s.Insert(ctx, &core.WorkflowRun{WorkflowID: "approval", Status: core.StatusRunning})
	require.NoError(t, err)

	d := dispatcher.New(s, q, reg, nil, fastConfig())
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	enqueue(t, ctx, q, dispatcher.RunPayload{RunID: run.ID, WorkflowID: "approval"})

	assert.Eventually(t, func() bool {
		fetched, err := s.Get(ctx, run.ID, "", store.GetOptions{})
		return err == nil && fetched.Status == core.StatusPaused
	}, time.Second, 5*time.Millisecond)

	enqueue(t, ctx, q, dispatcher.RunPayload{
		RunID: run.ID, WorkflowID: "approval",
		Event: &dispatcher.EventPayload{Name: "approved", Data: []byte(`{"ok":true}`)},
	})

	assert.Eventually(t, func() bool {
		fetched, err := s.Get(ctx, run.ID, "", store.GetOptions{})
		return err == nil && fetched.Status == core.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	s, q, reg := setupDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32

	def := &core.WorkflowDefinition{
		ID:    "flaky",
		Steps: core.NewStepList().Step("work", core.StepKindRun),
		Retry: &core.RetryPolicy{MaxAttempts: 3, Backoff: &core.BackoffPolicy{Factor: 2, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}},
		Handler: func(wctx *core.WorkflowContext) (any, error) {
			res, err := wctx.Step.Run("work", func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&attempts, 1)
				if n < 3 {
					return nil, errors.New("transient failure")
				}
				return "done", nil
			})
			if err != nil || res.Suspended {
				return nil, err
			}
			return res.Value, nil
		},
	}
	require.NoError(t, reg.Register(def))

	run, err := s.Insert(ctx, &core.WorkflowRun{WorkflowID: "flaky", Status: core.StatusRunning})
	require.NoError(t, err)

	d := dispatcher.New(s, q, reg, nil, fastConfig())
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	enqueue(t, ctx, q, dispatcher.RunPayload{RunID: run.ID, WorkflowID: "flaky"})

	assert.Eventually(t, func() bool {
		fetched, err := s.Get(ctx, run.ID, "", store.GetOptions{})
		return err == nil && fetched.Status == core.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDispatcher_RetryExhaustionFails(t *testing.T) {
	s, q, reg := setupDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var onFailureCalled int32

	def := &core.WorkflowDefinition{
		ID:    "always-fails",
		Steps: core.NewStepList().Step("work", core.StepKindRun),
		Retry: &core.RetryPolicy{MaxAttempts: 1, Backoff: &core.BackoffPolicy{Factor: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}},
		Handler: func(wctx *core.WorkflowContext) (any, error) {
			return nil, errors.New("boom")
		},
		Hooks: &core.Hooks{
			OnFailure: func(ctx context.Context, run *core.WorkflowRun, err error) { atomic.AddInt32(&onFailureCalled, 1) },
		},
	}
	require.NoError(t, reg.Register(def))

	run, err := s.Insert(ctx, &core.WorkflowRun{WorkflowID: "always-fails", Status: core.StatusRunning})
	require.NoError(t, err)

	d := dispatcher.New(s, q, reg, nil, fastConfig())
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	enqueue(t, ctx, q, dispatcher.RunPayload{RunID: run.ID, WorkflowID: "always-fails"})

	assert.Eventually(t, func() bool {
		fetched, err := s.Get(ctx, run.ID, "", store.GetOptions{})
		return err == nil && fetched.Status == core.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&onFailureCalled))
}

func TestDispatcher_CancelledRunIsSkipped(t *testing.T) {
	s, q, reg := setupDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := int32(0)
	def := &core.WorkflowDefinition{
		ID:    "noop",
		Steps: core.NewStepList().Step("s1", core.StepKindRun),
		Handler: func(wctx *core.WorkflowContext) (any, error) {
			atomic.AddInt32(&called, 1)
			return nil, nil
		},
	}
	require.NoError(t, reg.Register(def))

	run, err := s.Insert(ctx, &core.WorkflowRun{WorkflowID: "noop", Status: core.StatusCancelled})
	require.NoError(t, err)

	d := dispatcher.New(s, q, reg, nil, fastConfig())
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	enqueue(t, ctx, q, dispatcher.RunPayload{RunID: run.ID, WorkflowID: "noop"})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}
