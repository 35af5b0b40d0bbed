// Package engine is the public entry point of the durable workflow
// orchestrator. It wires pkg/store, pkg/queueadapter, pkg/registry,
// pkg/dispatcher, and pkg/cronsched behind one facade, the way the
// teacher's root jobs.go wires pkg/storage, pkg/queue, and pkg/worker
// behind Queue/Worker.
//
// Basic usage:
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	e := engine.New(db, engine.DefaultConfig())
//	e.RegisterWorkflow(ctx, def)
//	e.Start(context.Background())
//	run, _ := e.StartWorkflow(ctx, engine.StartWorkflowRequest{WorkflowID: "w1", Input: map[string]any{}})
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/cronsched"
	"github.com/durableflow/engine/pkg/dispatcher"
	"github.com/durableflow/engine/pkg/hooks"
	"github.com/durableflow/engine/pkg/middleware"
	"github.com/durableflow/engine/pkg/queueadapter"
	"github.com/durableflow/engine/pkg/registry"
	"github.com/durableflow/engine/pkg/security"
	"github.com/durableflow/engine/pkg/store"
)

// Type aliases give importers the whole public surface from one
// package, matching the teacher's root-level re-export convention.
type (
	WorkflowRun        = core.WorkflowRun
	WorkflowDefinition = core.WorkflowDefinition
	RunStatus          = core.RunStatus
	StepKind           = core.StepKind
	StepList           = core.StepList
	StepResult         = core.StepResult
	WaitForOptions     = core.WaitForOptions
	WorkflowContext    = core.WorkflowContext
	ScheduleContext    = core.ScheduleContext
	CronConfig         = core.CronConfig
	ConcurrencyLimit   = core.ConcurrencyLimit
	RetryPolicy        = core.RetryPolicy
	BackoffPolicy      = core.BackoffPolicy
	Hooks              = core.Hooks
	Middleware         = middleware.Middleware

	ValidationError = core.ValidationError
	NotFoundError   = core.NotFoundError
	WorkflowError   = core.WorkflowError
	PoisonJobError  = core.PoisonJobError
)

const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusPaused    = core.StatusPaused
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled

	StepKindRun       = core.StepKindRun
	StepKindWaitFor   = core.StepKindWaitFor
	StepKindPause     = core.StepKindPause
	StepKindWaitUntil = core.StepKindWaitUntil
)

// NewStepList starts a workflow definition's static step list builder.
func NewStepList() *StepList { return core.NewStepList() }

// NoRetry and RetryAfter let a handler override the retry decision for
// the current attempt.
func NoRetry(err error) error                      { return core.NoRetry(err) }
func RetryAfter(d time.Duration, err error) error   { return core.RetryAfter(d, err) }

// Config configures engine-wide dispatcher tuning (spec §6).
type Config struct {
	WorkerCount     int
	PollingInterval time.Duration
	BatchSize       int
	ExpireInSeconds int
	Logger          *slog.Logger
	Middlewares     []middleware.Middleware
}

// DefaultConfig mirrors spec §6's defaults.
func DefaultConfig() Config {
	dc := dispatcher.DefaultConfig()
	return Config{WorkerCount: dc.WorkerCount, PollingInterval: dc.PollingInterval, BatchSize: dc.BatchSize, ExpireInSeconds: dc.ExpireInSeconds}
}

// Engine owns one workflow orchestrator instance bound to a single
// database connection.
type Engine struct {
	db         *gorm.DB
	Store      store.Store
	Queue      *queueadapter.GormAdapter
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Cron       *cronsched.Scheduler
	Logger     *slog.Logger

	started bool
}

// New constructs an Engine over db. Call Start before StartWorkflow.
func New(db *gorm.DB, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dispatcherCfg := DefaultConfig()
	if cfg.WorkerCount > 0 {
		dispatcherCfg.WorkerCount = cfg.WorkerCount
	}
	if cfg.PollingInterval > 0 {
		dispatcherCfg.PollingInterval = cfg.PollingInterval
	}
	if cfg.BatchSize > 0 {
		dispatcherCfg.BatchSize = cfg.BatchSize
	}
	if cfg.ExpireInSeconds > 0 {
		dispatcherCfg.ExpireInSeconds = cfg.ExpireInSeconds
	}

	s := store.NewGormStore(db)
	q := queueadapter.NewGormAdapter(db)
	reg := registry.New()
	d := dispatcher.New(s, q, reg, cfg.Logger, dispatcher.Config{
		WorkerCount:     dispatcherCfg.WorkerCount,
		PollingInterval: dispatcherCfg.PollingInterval,
		BatchSize:       dispatcherCfg.BatchSize,
		ExpireInSeconds: dispatcherCfg.ExpireInSeconds,
	})
	d.Middlewares = cfg.Middlewares
	cron := cronsched.New(q, reg, cfg.Logger)

	return &Engine{db: db, Store: s, Queue: q, Registry: reg, Dispatcher: d, Cron: cron, Logger: cfg.Logger}
}

// Start migrates the schema and begins consuming the run queue and
// cron schedules.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("engine: migrate store: %w", err)
	}
	if err := e.Queue.Migrate(ctx); err != nil {
		return fmt.Errorf("engine: migrate queue: %w", err)
	}
	if err := e.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("engine: start dispatcher: %w", err)
	}
	if err := e.Cron.Start(ctx); err != nil {
		return fmt.Errorf("engine: start cron scheduler: %w", err)
	}
	e.started = true
	return nil
}

// Stop drains the dispatcher's workers and cron schedules.
func (e *Engine) Stop(ctx context.Context) error {
	e.started = false
	if err := e.Cron.Stop(ctx); err != nil {
		e.Logger.Error("engine: cron stop failed", "error", err)
	}
	if err := e.Dispatcher.Stop(ctx); err != nil {
		e.Logger.Error("engine: dispatcher stop failed", "error", err)
	}
	return e.Queue.Stop(ctx)
}

// RegisterWorkflow validates and stores def. If the engine is already
// running and def has a concurrency limit or a cron, its dedicated
// worker pool and cron registration are set up immediately.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *core.WorkflowDefinition) error {
	if err := e.Registry.Register(def); err != nil {
		return err
	}
	if !e.started {
		return nil
	}
	if err := e.Dispatcher.SubscribeWorkflow(ctx, def); err != nil {
		return err
	}
	if def.Cron != nil {
		if err := e.Cron.RegisterWorkflow(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterWorkflow drops id from the registry and cron scheduler. It
// does not touch persisted runs or in-flight dispatches.
func (e *Engine) UnregisterWorkflow(ctx context.Context, id string) error {
	if def, ok := e.Registry.Get(id); ok && def.Cron != nil {
		if err := e.Cron.UnregisterWorkflow(ctx, def); err != nil {
			return err
		}
	}
	e.Registry.Unregister(id)
	return nil
}

// UnregisterAllWorkflows clears the registry and every cron registration.
func (e *Engine) UnregisterAllWorkflows(ctx context.Context) error {
	for _, def := range e.Registry.All() {
		if def.Cron != nil {
			if err := e.Cron.UnregisterWorkflow(ctx, def); err != nil {
				return err
			}
		}
	}
	e.Registry.UnregisterAll()
	return nil
}

// StartWorkflowRequest is the startWorkflow input from spec §6, including
// its optional {timeout, retries, expireInSeconds, batchSize} overrides.
type StartWorkflowRequest struct {
	WorkflowID     string
	ResourceID     string
	Input          any
	IdempotencyKey string

	// Timeout overrides def.Timeout for this run only; zero means fall
	// back to the definition's timeout, if any.
	Timeout time.Duration
	// Retries sets run.MaxRetries for this run only; nil means use
	// def.MaxRetries(). A pointer distinguishes "not set" from an
	// explicit zero. The dispatcher's retry decision reads
	// def.MaxRetries(), not run.MaxRetries, so this value is recorded on
	// the run but does not change how many times it is retried.
	Retries         *int
	ExpireInSeconds int
	// BatchSize hints at the preferred poll batch size for this run's
	// queue; see RunPayload.BatchSizeHint for why it's advisory only.
	BatchSize int
}

// StartWorkflow inserts a new run and enqueues its first dispatch in
// one transaction, or returns the existing active run when
// IdempotencyKey matches a non-terminal run for the same workflow.
func (e *Engine) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*core.WorkflowRun, error) {
	def, ok := e.Registry.Get(req.WorkflowID)
	if !ok {
		return nil, core.NewValidationError("workflowId", fmt.Sprintf("workflow %q is not registered", req.WorkflowID))
	}
	if err := security.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.ResourceID != "" {
		if err := security.ValidateResourceID(req.ResourceID); err != nil {
			return nil, err
		}
	}
	if def.InputSchema != nil {
		if err := def.InputSchema(req.Input); err != nil {
			return nil, core.NewValidationError("input", err.Error())
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := e.Store.FindActiveByIdempotencyKey(ctx, req.WorkflowID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	inputJSON, err := core.NewJSONValue(req.Input)
	if err != nil {
		return nil, fmt.Errorf("engine: encode input: %w", err)
	}

	var resourceID *string
	if req.ResourceID != "" {
		resourceID = &req.ResourceID
	}
	var idempotencyKey *string
	if req.IdempotencyKey != "" {
		idempotencyKey = &req.IdempotencyKey
	}

	expireInSeconds := req.ExpireInSeconds
	if expireInSeconds <= 0 {
		expireInSeconds = e.Dispatcher.Config.ExpireInSeconds
	}

	maxRetries := def.MaxRetries()
	if req.Retries != nil {
		maxRetries = *req.Retries
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	var timeoutAt *time.Time
	if timeout > 0 {
		at := time.Now().UTC().Add(timeout)
		timeoutAt = &at
	}

	queueName := dispatcher.QueueForWorkflow(def)

	var created *core.WorkflowRun
	err = e.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		txStore := store.NewGormStore(txDB)
		run := &core.WorkflowRun{
			WorkflowID:     req.WorkflowID,
			ResourceID:     resourceID,
			Status:         core.StatusRunning,
			Input:          inputJSON,
			MaxRetries:     maxRetries,
			TimeoutAt:      timeoutAt,
			IdempotencyKey: idempotencyKey,
		}
		inserted, err := txStore.Insert(ctx, run)
		if err != nil {
			return err
		}
		created = inserted

		payload := dispatcher.RunPayload{
			RunID:         inserted.ID,
			ResourceID:    req.ResourceID,
			WorkflowID:    req.WorkflowID,
			Input:         json.RawMessage(inputJSON),
			BatchSizeHint: req.BatchSize,
		}
		encoded, err := payload.Encode()
		if err != nil {
			return err
		}
		return e.Queue.WithDB(txDB).Send(ctx, queueName, encoded, queueadapter.SendOptions{ExpireInSeconds: expireInSeconds})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// PauseWorkflow marks a running (or paused) run PAUSED with an
// internal wait-for marker on its current step, so a subsequent
// ResumeWorkflow (== TriggerEvent with the internal pause event) can
// wake it. A run that is already terminal is left unchanged.
func (e *Engine) PauseWorkflow(ctx context.Context, runID, resourceID string) (*core.WorkflowRun, error) {
	return e.mutateLocked(ctx, runID, resourceID, func(locked *core.WorkflowRun) (store.UpdatePartial, bool) {
		if locked.Status.IsTerminal() || locked.Status == core.StatusPaused {
			return store.UpdatePartial{}, false
		}
		now := time.Now().UTC()
		tl := locked.Timeline.Clone()
		tl[core.WaitForStepKey(locked.CurrentStepID)] = core.TimelineEntry{
			WaitFor:   &core.WaitForMarker{EventName: core.InternalPauseEvent},
			Timestamp: now,
		}
		status := core.StatusPaused
		return store.UpdatePartial{Status: &status, Timeline: &tl, PausedAt: store.SetTime(now)}, true
	})
}

// ResumeWorkflow is TriggerEvent with the reserved internal pause
// event name, observationally identical per spec §4.3.
func (e *Engine) ResumeWorkflow(ctx context.Context, runID, resourceID string, data any) (*core.WorkflowRun, error) {
	return e.TriggerEvent(ctx, runID, resourceID, core.InternalPauseEvent, data)
}

// CancelWorkflow flips a non-terminal run to CANCELLED and fires
// onCancel. CANCELLED is terminal; later dispatches short-circuit.
func (e *Engine) CancelWorkflow(ctx context.Context, runID, resourceID string) (*core.WorkflowRun, error) {
	updated, err := e.mutateLocked(ctx, runID, resourceID, func(locked *core.WorkflowRun) (store.UpdatePartial, bool) {
		if locked.Status.IsTerminal() {
			return store.UpdatePartial{}, false
		}
		status := core.StatusCancelled
		return store.UpdatePartial{Status: &status}, true
	})
	if err != nil {
		return nil, err
	}
	if def, ok := e.Registry.Get(updated.WorkflowID); ok {
		hooks.OnCancel(ctx, e.Logger, def.Hooks, updated)
	}
	return updated, nil
}

// TriggerEvent enqueues one workflow-run job carrying the named event
// and returns the run's current snapshot (not the post-resume state,
// which lands asynchronously once a dispatcher worker picks up the job).
func (e *Engine) TriggerEvent(ctx context.Context, runID, resourceID, eventName string, data any) (*core.WorkflowRun, error) {
	if err := security.ValidateEventName(eventName); err != nil {
		return nil, err
	}
	run, err := e.Store.Get(ctx, runID, resourceID, store.GetOptions{})
	if err != nil {
		return nil, err
	}

	def, ok := e.Registry.Get(run.WorkflowID)
	if !ok {
		return nil, core.NewPoisonJobError(fmt.Sprintf("workflow %q is not registered", run.WorkflowID))
	}

	var dataJSON json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("engine: encode event data: %w", err)
		}
		dataJSON = encoded
	}

	payload := dispatcher.RunPayload{
		RunID:      run.ID,
		ResourceID: resourceID,
		WorkflowID: run.WorkflowID,
		Event:      &dispatcher.EventPayload{Name: eventName, Data: dataJSON},
	}
	encoded, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	queueName := dispatcher.QueueForWorkflow(def)
	if err := e.Queue.Send(ctx, queueName, encoded, queueadapter.SendOptions{ExpireInSeconds: e.Dispatcher.Config.ExpireInSeconds}); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun returns one run by id, scoped to resourceID when non-empty.
func (e *Engine) GetRun(ctx context.Context, runID, resourceID string) (*core.WorkflowRun, error) {
	return e.Store.Get(ctx, runID, resourceID, store.GetOptions{})
}

// GetRunsRequest configures GetRuns.
type GetRunsRequest struct {
	ResourceID    string
	WorkflowID    string
	Statuses      []core.RunStatus
	Limit         int
	StartingAfter string
	EndingBefore  string
}

// GetRuns lists runs with cursor pagination, per spec §4.1's list().
func (e *Engine) GetRuns(ctx context.Context, req GetRunsRequest) (*store.ListResult, error) {
	return e.Store.List(ctx, store.ListOptions{
		ResourceID:    req.ResourceID,
		WorkflowID:    req.WorkflowID,
		Statuses:      req.Statuses,
		Limit:         req.Limit,
		StartingAfter: req.StartingAfter,
		EndingBefore:  req.EndingBefore,
	})
}

// Progress is the checkProgress result: completion percentage and step
// counts derived from the run's timeline against its definition's
// static step list.
type Progress struct {
	CompletionPercentage float64
	TotalSteps           int
	CompletedSteps       int
	Status               core.RunStatus
}

// CheckProgress computes Progress for one run.
func (e *Engine) CheckProgress(ctx context.Context, runID, resourceID string) (*Progress, error) {
	run, err := e.Store.Get(ctx, runID, resourceID, store.GetOptions{})
	if err != nil {
		return nil, err
	}

	if run.Status == core.StatusCompleted {
		return &Progress{CompletionPercentage: 100, TotalSteps: e.staticStepCount(run.WorkflowID), CompletedSteps: e.staticStepCount(run.WorkflowID), Status: run.Status}, nil
	}

	total := e.staticStepCount(run.WorkflowID)
	completed := 0
	for id := range e.staticStepIDs(run.WorkflowID) {
		if entry, ok := run.Timeline[id]; ok && entry.HasOutput() {
			completed++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	return &Progress{CompletionPercentage: pct, TotalSteps: total, CompletedSteps: completed, Status: run.Status}, nil
}

func (e *Engine) staticStepCount(workflowID string) int {
	return len(e.staticStepIDs(workflowID))
}

// staticStepIDs returns the set of non-dynamic step ids declared on
// workflowID's definition. Timeline entries keyed outside this set
// come from DynamicStep, which staticStepCount's total excludes, so
// CheckProgress must filter against the same set or its completed
// count can exceed total for workflows that use dynamic steps.
func (e *Engine) staticStepIDs(workflowID string) map[string]struct{} {
	def, ok := e.Registry.Get(workflowID)
	if !ok {
		return nil
	}
	ids := make(map[string]struct{})
	for _, s := range def.Steps.Descriptors() {
		if !s.IsDynamic {
			ids[s.ID] = struct{}{}
		}
	}
	return ids
}

// mutateLocked opens a transaction, exclusive-locks runID, and applies
// the partial fn describes if fn reports a change, mirroring
// pkg/dispatcher's lockedMutate for the handful of admin-initiated
// mutations that live at the engine level instead of inside a dispatch.
func (e *Engine) mutateLocked(ctx context.Context, runID, resourceID string, fn func(locked *core.WorkflowRun) (store.UpdatePartial, bool)) (*core.WorkflowRun, error) {
	var result *core.WorkflowRun
	err := e.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		locked, err := tx.Get(ctx, runID, resourceID, store.GetOptions{ExclusiveLock: true})
		if err != nil {
			return err
		}
		partial, changed := fn(locked)
		if !changed {
			result = locked
			return nil
		}
		updated, err := tx.Update(ctx, runID, resourceID, partial)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
