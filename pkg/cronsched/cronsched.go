// Package cronsched implements the Cron Scheduler (spec §4.6): it
// registers one queue-adapter cron entry per cron-triggered workflow
// definition, so the dispatcher sees a fresh "create and run" job on
// every tick.
//
// Grounded on the teacher's pkg/worker.Worker.runScheduler (a ticker
// loop re-deriving each schedule's next fire from a last-run map), but
// generalized: rather than a second in-process poll loop, registration
// rides the queue adapter's own cron support
// (queueadapter.Adapter.Schedule/Unschedule). That cron timer is in
// memory as well: after a restart, Start re-registers every cron
// workflow in the registry, and ticks missed while the process was down
// are not fired.
package cronsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/dispatcher"
	"github.com/durableflow/engine/pkg/queueadapter"
	"github.com/durableflow/engine/pkg/registry"
)

// Scheduler registers and tears down cron fan-out for every
// cron-triggered workflow in a Registry.
type Scheduler struct {
	Queue    queueadapter.Adapter
	Registry *registry.Registry
	Logger   *slog.Logger

	mu        sync.Mutex
	scheduled map[string]bool
}

// New constructs a Scheduler.
func New(q queueadapter.Adapter, r *registry.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Queue: q, Registry: r, Logger: logger, scheduled: make(map[string]bool)}
}

// Start registers every currently-registered cron workflow.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, def := range s.Registry.All() {
		if def.Cron == nil {
			continue
		}
		if err := s.RegisterWorkflow(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorkflow registers (or re-registers) def's cron entry.
// Callers invoke this after a dynamic registerWorkflow call for a
// workflow with a Cron config, in addition to the bulk Start pass.
func (s *Scheduler) RegisterWorkflow(ctx context.Context, def *core.WorkflowDefinition) error {
	if def.Cron == nil {
		return nil
	}
	queueName := dispatcher.QueueForWorkflow(def)
	if err := s.Queue.CreateQueue(ctx, queueName); err != nil {
		return err
	}

	fireMarker := dispatcher.RunPayload{WorkflowID: def.ID}
	payload, err := fireMarker.Encode()
	if err != nil {
		return err
	}

	if err := s.Queue.Schedule(ctx, queueName, def.Cron.Expression, payload, queueadapter.ScheduleOptions{
		Timezone: def.Cron.Timezone,
	}); err != nil {
		return fmt.Errorf("cronsched: register %q: %w", def.ID, err)
	}

	s.mu.Lock()
	s.scheduled[def.ID] = true
	s.mu.Unlock()
	return nil
}

// UnregisterWorkflow removes def's cron entry, if one was registered.
func (s *Scheduler) UnregisterWorkflow(ctx context.Context, def *core.WorkflowDefinition) error {
	queueName := dispatcher.QueueForWorkflow(def)
	if err := s.Queue.Unschedule(ctx, queueName); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.scheduled, def.ID)
	s.mu.Unlock()
	return nil
}

// Stop unregisters every cron entry this Scheduler put in place.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.scheduled))
	for id := range s.scheduled {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		def, ok := s.Registry.Get(id)
		if !ok {
			continue
		}
		if err := s.UnregisterWorkflow(ctx, def); err != nil {
			s.Logger.Error("cronsched: failed to unschedule on stop", "workflowId", id, "error", err)
		}
	}
	return nil
}
