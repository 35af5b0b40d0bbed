package queueadapter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/durableflow/engine/pkg/queueadapter"
)

func setupAdapter(t *testing.T) (*queueadapter.GormAdapter, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	a := queueadapter.NewGormAdapter(db)
	require.NoError(t, a.Migrate(context.Background()))
	return a, db
}

func TestGormAdapter_SendAndWork(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Send(ctx, "q1", []byte(`{"n":1}`), queueadapter.SendOptions{}))

	var received int32
	var mu sync.Mutex
	var payloads [][]byte

	sub, err := a.Work(ctx, "q1", queueadapter.WorkOptions{PollingInterval: 10 * time.Millisecond}, func(ctx context.Context, jobs []queueadapter.Job) error {
		mu.Lock()
		for _, j := range jobs {
			payloads = append(payloads, j.Payload)
		}
		mu.Unlock()
		atomic.AddInt32(&received, int32(len(jobs)))
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, `{"n":1}`, string(payloads[0]))
}

func TestGormAdapter_SendDelayedNotVisibleYet(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	future := time.Now().Add(time.Hour)
	require.NoError(t, a.Send(ctx, "q-delay", []byte("later"), queueadapter.SendOptions{StartAfter: &future}))

	var received int32
	sub, err := a.Work(ctx, "q-delay", queueadapter.WorkOptions{PollingInterval: 5 * time.Millisecond}, func(ctx context.Context, jobs []queueadapter.Job) error {
		atomic.AddInt32(&received, int32(len(jobs)))
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&received))
}

func TestGormAdapter_HandlerErrorRedelivers(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Send(ctx, "q-fail", []byte("x"), queueadapter.SendOptions{}))

	var attempts int32
	sub, err := a.Work(ctx, "q-fail", queueadapter.WorkOptions{PollingInterval: 5 * time.Millisecond}, func(ctx context.Context, jobs []queueadapter.Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestGormAdapter_ScheduleAndUnschedule(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Schedule(ctx, "q-cron", "* * * * *", []byte("tick"), queueadapter.ScheduleOptions{Timezone: "UTC"}))
	require.NoError(t, a.Unschedule(ctx, "q-cron"))

	require.NoError(t, a.Stop(ctx))
}

func TestGormAdapter_StopEndsSubscriptions(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx := context.Background()

	sub, err := a.Work(ctx, "q-stop", queueadapter.WorkOptions{PollingInterval: 5 * time.Millisecond}, func(ctx context.Context, jobs []queueadapter.Job) error {
		return nil
	})
	require.NoError(t, err)
	_ = sub

	done := make(chan struct{})
	go func() {
		require.NoError(t, a.Stop(context.Background()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
}
