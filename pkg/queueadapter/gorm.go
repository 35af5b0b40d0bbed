package queueadapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAdapter implements Adapter on a GORM connection, grounded on the
// teacher's pkg/storage/gorm.go Dequeue (claim via transactional
// SELECT+Save) and pkg/worker.Worker's ticker/heartbeat poll loop.
type GormAdapter struct {
	db *gorm.DB

	mu   sync.Mutex
	subs []*gormSubscription
	cronRunner *cron.Cron
	cronIDs    map[string]cron.EntryID
}

// NewGormAdapter constructs a GormAdapter. Call Migrate before use.
func NewGormAdapter(db *gorm.DB) *GormAdapter {
	return &GormAdapter{
		db:      db,
		cronIDs: make(map[string]cron.EntryID),
	}
}

// Migrate creates the transport tables.
func (a *GormAdapter) Migrate(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(&queuedJob{}, &cronEntry{})
}

func (a *GormAdapter) CreateQueue(ctx context.Context, name string) error {
	// Queues are implicit rows filtered by the Queue column; nothing to
	// provision. Kept as an explicit no-op method so callers coded
	// against the interface don't need a type switch.
	return nil
}

func (a *GormAdapter) Send(ctx context.Context, queueName string, payload []byte, opts SendOptions) error {
	job := &queuedJob{
		ID:        uuid.New().String(),
		Queue:     queueName,
		Payload:   payload,
		Status:    jobPending,
		RunAt:     opts.StartAfter,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("queueadapter: send: %w", err)
	}
	return nil
}

// WithDB returns an adapter bound to db, so Send participates in a
// caller's transaction when db is a transaction handle sharing the
// same connection the run store just wrote through.
func (a *GormAdapter) WithDB(db *gorm.DB) *GormAdapter {
	return &GormAdapter{db: db, cronRunner: a.cronRunner, cronIDs: a.cronIDs}
}

type gormSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *gormSubscription) Stop() {
	s.cancel()
	<-s.done
}

func (a *GormAdapter) Work(ctx context.Context, queueName string, opts WorkOptions, handler Handler) (Subscription, error) {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &gormSubscription{cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(opts.Concurrency)
	for i := 0; i < opts.Concurrency; i++ {
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(opts.PollingInterval)
			defer ticker.Stop()
			workerID := uuid.New().String()

			for {
				select {
				case <-subCtx.Done():
					return
				case <-ticker.C:
					a.pollOnce(subCtx, queueName, opts.BatchSize, workerID, handler)
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(sub.done)
	}()

	return sub, nil
}

func (a *GormAdapter) pollOnce(ctx context.Context, queueName string, batchSize int, workerID string, handler Handler) {
	jobs, err := a.claim(ctx, queueName, batchSize, workerID)
	if err != nil || len(jobs) == 0 {
		return
	}

	delivered := make([]Job, len(jobs))
	for i, j := range jobs {
		delivered[i] = Job{ID: j.ID, Queue: j.Queue, Payload: j.Payload, Attempt: j.Attempt, CreatedAt: j.CreatedAt}
	}

	if err := handler(ctx, delivered); err != nil {
		// Nack: release back to pending for redelivery, at-least-once.
		a.db.WithContext(ctx).Model(&queuedJob{}).
			Where("id IN ?", ids(jobs)).
			Updates(map[string]any{"status": jobPending, "locked_until": nil, "locked_by": ""})
		return
	}

	a.db.WithContext(ctx).Model(&queuedJob{}).
		Where("id IN ?", ids(jobs)).
		Updates(map[string]any{"status": jobDone})
}

func ids(jobs []*queuedJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

// claim atomically selects up to batchSize due jobs and marks them
// running, mirroring the teacher's Dequeue transaction shape.
func (a *GormAdapter) claim(ctx context.Context, queueName string, batchSize int, workerID string) ([]*queuedJob, error) {
	var claimed []*queuedJob
	now := time.Now().UTC()
	lockUntil := now.Add(5 * time.Minute)

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*queuedJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ?", queueName).
			Where("status = ?", jobPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("created_at ASC").
			Limit(batchSize).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		for _, c := range candidates {
			c.Status = jobRunning
			c.LockedBy = workerID
			c.LockedUntil = &lockUntil
			c.Attempt++
			if err := tx.Save(c).Error; err != nil {
				return err
			}
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (a *GormAdapter) Schedule(ctx context.Context, queueName, cronExpression string, payload []byte, opts ScheduleOptions) error {
	entry := &cronEntry{Queue: queueName, Expression: cronExpression, Timezone: opts.Timezone, Payload: payload}
	if err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(entry).Error; err != nil {
		return fmt.Errorf("queueadapter: schedule: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cronRunner == nil {
		a.cronRunner = cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		)))
		a.cronRunner.Start()
	}
	if id, ok := a.cronIDs[queueName]; ok {
		a.cronRunner.Remove(id)
	}

	schedule, err := parseCronWithTZ(cronExpression, opts.Timezone)
	if err != nil {
		return err
	}

	id := a.cronRunner.Schedule(schedule, cron.FuncJob(func() {
		_ = a.Send(context.Background(), queueName, payload, SendOptions{})
	}))
	a.cronIDs[queueName] = id
	return nil
}

func parseCronWithTZ(expr, tz string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("queueadapter: invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("queueadapter: invalid cron expression %q: %w", expr, err)
	}
	return &tzSchedule{loc: loc, inner: sched}, nil
}

// tzSchedule wraps a cron.Schedule so Next is computed in loc rather
// than the caller's local time, since robfig/cron/v3's Schedule.Next
// takes the timestamp's own location as authoritative.
type tzSchedule struct {
	loc   *time.Location
	inner cron.Schedule
}

func (s *tzSchedule) Next(t time.Time) time.Time {
	return s.inner.Next(t.In(s.loc)).In(t.Location())
}

func (a *GormAdapter) Unschedule(ctx context.Context, queueName string) error {
	a.mu.Lock()
	if a.cronRunner != nil {
		if id, ok := a.cronIDs[queueName]; ok {
			a.cronRunner.Remove(id)
			delete(a.cronIDs, queueName)
		}
	}
	a.mu.Unlock()

	err := a.db.WithContext(ctx).Delete(&cronEntry{}, "queue = ?", queueName).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return nil
}

func (a *GormAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	subs := append([]*gormSubscription(nil), a.subs...)
	a.subs = nil
	runner := a.cronRunner
	a.cronRunner = nil
	a.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
	if runner != nil {
		stopCtx := runner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	return nil
}
