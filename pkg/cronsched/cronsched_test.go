package cronsched_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/cronsched"
	"github.com/durableflow/engine/pkg/dispatcher"
	"github.com/durableflow/engine/pkg/queueadapter"
	"github.com/durableflow/engine/pkg/registry"
	"github.com/durableflow/engine/pkg/store"
)

func setup(t *testing.T) (store.Store, *queueadapter.GormAdapter, *registry.Registry) {
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

func cronDef(id string) *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		ID:    id,
		Steps: core.NewStepList().Step("tick", core.StepKindRun),
		Cron:  &core.CronConfig{Expression: "* * * * *"},
		Handler: func(wctx *core.WorkflowContext) (any, error) {
			res, err := wctx.Step.Run("tick", func(ctx context.Context) (any, error) { return "ok", nil })
			if err != nil || res.Suspended {
				return nil, err
			}
			return res.Value, nil
		},
	}
}

func TestScheduler_RegisterAndUnregister(t *testing.T) {
	_, q, reg := setup(t)
	ctx := context.Background()

	def := cronDef("nightly")
	require.NoError(t, reg.Register(def))

	sched := cronsched.New(q, reg, nil)
	require.NoError(t, sched.Start(ctx))

	require.NoError(t, sched.UnregisterWorkflow(ctx, def))
	require.NoError(t, sched.Stop(ctx))
}

func TestScheduler_FireCreatesAndRunsAWorkflow(t *testing.T) {
	s, q, reg := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def := cronDef("every-minute")
	// Use a schedule that fires immediately on the next minute boundary
	// is too slow for a test; instead we bypass the cron timer and
	// exercise the dispatcher's cron-fire contract directly by sending
	// the same marker payload the scheduler would register.
	require.NoError(t, reg.Register(def))

	d := dispatcher.New(s, q, reg, nil, dispatcher.Config{WorkerCount: 1, PollingInterval: 5 * time.Millisecond, BatchSize: 4})
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	marker := dispatcher.RunPayload{WorkflowID: "every-minute"}
	encoded, err := marker.Encode()
	require.NoError(t, err)
	require.NoError(t, q.Send(ctx, queueadapter.PerWorkflowQueueName("every-minute"), encoded, queueadapter.SendOptions{}))

	assert.Eventually(t, func() bool {
		res, err := s.List(ctx, store.ListOptions{WorkflowID: "every-minute", Limit: 10})
		return err == nil && len(res.Runs) == 1 && res.Runs[0].Status == core.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}
