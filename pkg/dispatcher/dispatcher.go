// Package dispatcher implements the Dispatcher (spec §4.4): the queue
// consumption loop that loads a run, replays its handler through the
// middleware pipeline, and applies the retry/completion policy.
//
// Grounded on the teacher's pkg/worker.Worker.processJob/executeHandler/
// handleError: panic recovery around the handler call and the
// NoRetryError/RetryAfterError unwrap-based classification in
// handleError are kept, generalized from "job with MaxRetries" to "run
// with the spec's exact backoff formula" (pkg/backoff).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/durableflow/engine/internal/wfcontext"
	"github.com/durableflow/engine/pkg/backoff"
	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/hooks"
	"github.com/durableflow/engine/pkg/middleware"
	"github.com/durableflow/engine/pkg/queueadapter"
	"github.com/durableflow/engine/pkg/registry"
	"github.com/durableflow/engine/pkg/runner"
	"github.com/durableflow/engine/pkg/security"
	"github.com/durableflow/engine/pkg/store"
)

// Config tunes the dispatch loop, matching the defaults spec §6 names.
type Config struct {
	WorkerCount     int
	PollingInterval time.Duration
	BatchSize       int
	ExpireInSeconds int
}

// DefaultConfig returns spec §6's defaults: 3 workers, 0.5s polling,
// batch size 1, 300s job expiration.
func DefaultConfig() Config {
	return Config{WorkerCount: 3, PollingInterval: 500 * time.Millisecond, BatchSize: 1, ExpireInSeconds: 300}
}

// Dispatcher consumes workflow-run jobs and drives handler replay.
type Dispatcher struct {
	Store    store.Store
	Queue    queueadapter.Adapter
	Registry *registry.Registry
	Logger   *slog.Logger
	Config   Config

	Middlewares []middleware.Middleware

	subsMu sync.Mutex
	subs   []queueadapter.Subscription
}

// New constructs a Dispatcher. Callers wire Store/Queue/Registry, then
// call Start.
func New(s store.Store, q queueadapter.Adapter, r *registry.Registry, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Store: s, Queue: q, Registry: r, Logger: logger, Config: cfg}
}

// QueueForWorkflow resolves the queue a definition's dispatches route
// through: its own isolated queue if it has a concurrency limit or a
// cron, the shared queue otherwise.
func QueueForWorkflow(def *core.WorkflowDefinition) string {
	if def != nil && (def.Concurrency != nil || def.Cron != nil) {
		return queueadapter.PerWorkflowQueueName(def.ID)
	}
	return queueadapter.SharedRunQueue
}

// Start subscribes a worker pool to the shared queue, plus one
// dedicated pool per concurrency-limited or cron workflow.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Queue.CreateQueue(ctx, queueadapter.SharedRunQueue); err != nil {
		return err
	}
	sharedSub, err := d.Queue.Work(ctx, queueadapter.SharedRunQueue, queueadapter.WorkOptions{
		PollingInterval: d.Config.PollingInterval,
		BatchSize:       d.Config.BatchSize,
		Concurrency:     d.Config.WorkerCount,
	}, d.handleBatch)
	if err != nil {
		return err
	}
	d.subsMu.Lock()
	d.subs = append(d.subs, sharedSub)
	d.subsMu.Unlock()

	for _, def := range d.Registry.All() {
		if err := d.SubscribeWorkflow(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeWorkflow opens the dedicated worker pool for def if it has
// a concurrency limit or a cron; a no-op for definitions that route
// through the already-subscribed shared queue. Call this after a
// dynamic registerWorkflow once the dispatcher is already running, in
// addition to the bulk subscription Start performs.
func (d *Dispatcher) SubscribeWorkflow(ctx context.Context, def *core.WorkflowDefinition) error {
	if def.Concurrency == nil && def.Cron == nil {
		return nil
	}
	queueName := QueueForWorkflow(def)
	if err := d.Queue.CreateQueue(ctx, queueName); err != nil {
		return err
	}
	concurrency := d.Config.WorkerCount
	if def.Concurrency != nil {
		concurrency = def.Concurrency.Limit
	}
	sub, err := d.Queue.Work(ctx, queueName, queueadapter.WorkOptions{
		PollingInterval: d.Config.PollingInterval,
		BatchSize:       d.Config.BatchSize,
		Concurrency:     concurrency,
	}, d.handleBatch)
	if err != nil {
		return err
	}
	d.subsMu.Lock()
	d.subs = append(d.subs, sub)
	d.subsMu.Unlock()
	return nil
}

// Stop ends every subscription this Dispatcher created.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.subsMu.Lock()
	subs := d.subs
	d.subs = nil
	d.subsMu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

func (d *Dispatcher) handleBatch(ctx context.Context, jobs []queueadapter.Job) error {
	for _, job := range jobs {
		payload, err := DecodeRunPayload(job.Payload)
		if err != nil {
			d.Logger.Error("dropping malformed workflow-run payload", "error", err)
			continue
		}
		if err := d.dispatchOne(ctx, payload); err != nil {
			d.Logger.Error("dispatch failed", "runId", payload.RunID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, payload RunPayload) error {
	if payload.RunID == "" {
		// A cron fire carries no run id: the scheduler only identifies
		// the workflow, and a fresh run is materialized on first pop.
		created, err := d.createCronRun(ctx, payload.WorkflowID)
		if err != nil {
			return err
		}
		payload.RunID = created.ID
		payload.ResourceID = ""
	}

	run, err := d.Store.Get(ctx, payload.RunID, payload.ResourceID, store.GetOptions{})
	if err != nil {
		var nf *core.NotFoundError
		if errors.As(err, &nf) {
			return core.NewPoisonJobError(fmt.Sprintf("run %q not found", payload.RunID))
		}
		return err
	}

	if run.Status == core.StatusCancelled {
		return nil
	}

	def, ok := d.Registry.Get(payload.WorkflowID)
	if !ok {
		return core.NewPoisonJobError(fmt.Sprintf("workflow %q is not registered", payload.WorkflowID))
	}

	if payload.BatchSizeHint > 0 && payload.BatchSizeHint != d.Config.BatchSize {
		d.Logger.Debug("dispatcher: run requested a batchSize different from the active subscription",
			"workflowId", payload.WorkflowID, "runId", payload.RunID,
			"requested", payload.BatchSizeHint, "active", d.Config.BatchSize)
	}

	var schedule *core.ScheduleContext
	if run.Cron != nil {
		last, lastErr := d.Store.GetLastCompleted(ctx, payload.WorkflowID)
		if lastErr != nil {
			return lastErr
		}
		tz := "UTC"
		if run.Timezone != nil && *run.Timezone != "" {
			tz = *run.Timezone
		}
		sc := &core.ScheduleContext{Timestamp: run.CreatedAt, Timezone: tz}
		if last != nil {
			sc.LastTimestamp = last.CompletedAt
		}
		schedule = sc
	}

	isFirstDispatch := run.RetryCount == 0 && run.CurrentStepID == ""

	if run.Status == core.StatusPaused && payload.Event != nil {
		run, err = d.resumeWithEvent(ctx, run, *payload.Event)
		if err != nil {
			return err
		}
	}

	if isFirstDispatch {
		hooks.OnStart(ctx, d.Logger, def.Hooks, run)
	}

	resourceID := ""
	if run.ResourceID != nil {
		resourceID = *run.ResourceID
	}

	dispatch := &wfcontext.Dispatch{Run: run}
	dispatch.Mutate = func(ctx context.Context, fn wfcontext.MutateFunc) (*core.WorkflowRun, error) {
		return d.lockedMutate(ctx, run.ID, resourceID, fn)
	}
	dispatchCtx := wfcontext.With(ctx, dispatch)

	scheduleWaitUntil := func(ctx context.Context, eventName string, at time.Time) error {
		queueName := QueueForWorkflow(def)
		p := RunPayload{RunID: run.ID, ResourceID: resourceID, WorkflowID: run.WorkflowID, Event: &EventPayload{Name: eventName}}
		encoded, err := p.Encode()
		if err != nil {
			return err
		}
		return d.Queue.Send(ctx, queueName, encoded, queueadapter.SendOptions{StartAfter: &at})
	}

	var input any
	if len(run.Input) > 0 {
		_ = json.Unmarshal(run.Input, &input)
	}
	var incomingEvent *core.IncomingEvent
	if payload.Event != nil {
		var data any
		if len(payload.Event.Data) > 0 {
			_ = json.Unmarshal(payload.Event.Data, &data)
		}
		incomingEvent = &core.IncomingEvent{Name: payload.Event.Name, Data: data}
	}

	wctx := &core.WorkflowContext{
		Context:    dispatchCtx,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		ResourceID: resourceID,
		Input:      input,
		Step:       runner.New(dispatchCtx, dispatch, scheduleWaitUntil),
		Logger:     d.Logger,
		Schedule:   schedule,
		Event:      incomingEvent,
	}

	final := func(wctx *core.WorkflowContext) (output any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in workflow handler: %v", r)
			}
		}()
		return def.Handler(wctx)
	}

	result, handlerErr := middleware.Chain(d.Middlewares, final)(wctx)

	current := dispatch.CurrentRun()

	if handlerErr == nil {
		if dispatch.ShortCircuited() {
			// A step call paused or suspended this dispatch; the handler
			// returned early without reaching the end of its body.
			return nil
		}
		if current.Status != core.StatusRunning || current.CurrentStepID != def.Steps.LastStepID() {
			// The handler returned without error but never advanced to the
			// last static step (or something else already moved the run
			// off RUNNING) — nothing to complete this dispatch.
			return nil
		}
		return d.complete(ctx, def, current, result)
	}

	return d.handleFailure(ctx, def, current, handlerErr)
}

// createCronRun materializes a new run for a cron fire. Grounded on
// the teacher's runScheduler, which enqueues a fresh job on every tick
// rather than reusing one.
func (d *Dispatcher) createCronRun(ctx context.Context, workflowID string) (*core.WorkflowRun, error) {
	def, ok := d.Registry.Get(workflowID)
	if !ok {
		return nil, core.NewPoisonJobError(fmt.Sprintf("workflow %q is not registered", workflowID))
	}
	if def.Cron == nil {
		return nil, core.NewPoisonJobError(fmt.Sprintf("workflow %q has no cron trigger", workflowID))
	}
	expr := def.Cron.Expression
	tz := def.Cron.Timezone
	return d.Store.Insert(ctx, &core.WorkflowRun{
		WorkflowID: workflowID,
		Status:     core.StatusRunning,
		Cron:       &expr,
		Timezone:   &tz,
	})
}

func (d *Dispatcher) resumeWithEvent(ctx context.Context, run *core.WorkflowRun, event EventPayload) (*core.WorkflowRun, error) {
	resourceID := ""
	if run.ResourceID != nil {
		resourceID = *run.ResourceID
	}
	now := time.Now().UTC()

	return d.lockedMutate(ctx, run.ID, resourceID, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
		if locked.Status != core.StatusPaused {
			return nil, nil
		}
		marker, hasMarker := locked.WaitForMarkerForCurrentStep()
		status := core.StatusRunning
		mutation := &wfcontext.Mutation{
			Status:        &status,
			ClearPausedAt: true,
			ResumedAt:     &now,
		}
		if hasMarker && marker.EventName == event.Name {
			data := event.Data
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			tl := locked.Timeline.Clone()
			tl[locked.CurrentStepID] = core.TimelineEntry{Output: data, Timestamp: now}
			mutation.Timeline = tl
		}
		return mutation, nil
	})
}

func (d *Dispatcher) complete(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, result any) error {
	output, err := core.NewJSONValue(result)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	status := core.StatusCompleted

	resourceID := ""
	if run.ResourceID != nil {
		resourceID = *run.ResourceID
	}
	updated, err := d.lockedMutate(ctx, run.ID, resourceID, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
		if locked.Status.IsTerminal() {
			return nil, nil
		}
		return &wfcontext.Mutation{Status: &status, Output: &output, CompletedAt: &now}, nil
	})
	if err != nil {
		return err
	}

	hooks.OnSuccess(ctx, d.Logger, def.Hooks, updated, result)
	hooks.OnComplete(ctx, d.Logger, def.Hooks, updated, true, result, nil)
	return nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, handlerErr error) error {
	resourceID := ""
	if run.ResourceID != nil {
		resourceID = *run.ResourceID
	}

	var noRetry *core.NoRetryError
	forceExhausted := errors.As(handlerErr, &noRetry)

	var retryAfter *core.RetryAfterError
	hasCustomDelay := errors.As(handlerErr, &retryAfter)

	maxRetries := def.MaxRetries()
	if !forceExhausted && run.RetryCount < maxRetries {
		nextRetryCount := run.RetryCount + 1
		var delay time.Duration
		if hasCustomDelay {
			delay = retryAfter.Delay
		} else {
			delay = backoff.Delay(def.EffectiveBackoff(), nextRetryCount)
		}

		status := core.StatusRunning
		updated, err := d.lockedMutate(ctx, run.ID, resourceID, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
			if locked.Status.IsTerminal() {
				return nil, nil
			}
			return &wfcontext.Mutation{Status: &status, RetryCount: &nextRetryCount, ClearError: true}, nil
		})
		if err != nil {
			return err
		}

		hooks.Fire(ctx, d.Logger, "onRetry", updated, nil)

		at := time.Now().UTC().Add(delay)
		queueName := QueueForWorkflow(def)
		p := RunPayload{RunID: run.ID, ResourceID: resourceID, WorkflowID: run.WorkflowID}
		encoded, encodeErr := p.Encode()
		if encodeErr != nil {
			return encodeErr
		}
		return d.Queue.Send(ctx, queueName, encoded, queueadapter.SendOptions{StartAfter: &at, ExpireInSeconds: d.Config.ExpireInSeconds})
	}

	message := security.SanitizeErrorMessage(handlerErr.Error())
	status := core.StatusFailed
	updated, err := d.lockedMutate(ctx, run.ID, resourceID, func(locked *core.WorkflowRun) (*wfcontext.Mutation, error) {
		if locked.Status.IsTerminal() {
			return nil, nil
		}
		return &wfcontext.Mutation{Status: &status, Error: &message}, nil
	})
	if err != nil {
		return err
	}

	wfErr := core.NewWorkflowError(run.WorkflowID, run.ID, handlerErr)
	hooks.OnFailure(ctx, d.Logger, def.Hooks, updated, wfErr)
	hooks.OnComplete(ctx, d.Logger, def.Hooks, updated, false, nil, wfErr)
	return nil
}

// lockedMutate opens a transaction, takes an exclusive row lock on
// runID, invokes fn, and persists the returned Mutation — the one
// primitive pkg/runner and this package both build every timeline/
// status change on.
func (d *Dispatcher) lockedMutate(ctx context.Context, runID, resourceID string, fn wfcontext.MutateFunc) (*core.WorkflowRun, error) {
	var result *core.WorkflowRun
	err := d.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		locked, err := tx.Get(ctx, runID, resourceID, store.GetOptions{ExclusiveLock: true})
		if err != nil {
			return err
		}
		mutation, err := fn(locked)
		if err != nil {
			return err
		}
		if mutation == nil {
			result = locked
			return nil
		}
		updated, err := tx.Update(ctx, runID, resourceID, mutationToPartial(mutation))
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

func mutationToPartial(m *wfcontext.Mutation) store.UpdatePartial {
	p := store.UpdatePartial{
		Status:        m.Status,
		CurrentStepID: m.CurrentStepID,
		Output:        m.Output,
		Error:         m.Error,
		ClearError:    m.ClearError,
		RetryCount:    m.RetryCount,
	}
	if m.Timeline != nil {
		tl := m.Timeline
		p.Timeline = &tl
	}
	if m.ClearPausedAt {
		p.PausedAt = store.ClearTime()
	} else if m.PausedAt != nil {
		p.PausedAt = store.SetTime(*m.PausedAt)
	}
	if m.ResumedAt != nil {
		p.ResumedAt = store.SetTime(*m.ResumedAt)
	}
	if m.CompletedAt != nil {
		p.CompletedAt = store.SetTime(*m.CompletedAt)
	}
	return p
}
