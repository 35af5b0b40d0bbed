// Package registry holds the in-memory set of registered workflow
// definitions, grounded on the teacher's pkg/queue.Queue.Register
// (sync.RWMutex-guarded map, duplicate-id-is-a-hard-error) generalized
// from job handlers to workflow definitions.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/security"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Registry stores WorkflowDefinitions keyed by id.
type Registry struct {
	mu  sync.RWMutex
	defs map[string]*core.WorkflowDefinition
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*core.WorkflowDefinition)}
}

// Register validates and stores def. Duplicate ids are a hard error,
// matching the teacher's Register panic-on-duplicate posture turned
// into a returned error since registerWorkflow is spec'd as fallible.
func (r *Registry) Register(def *core.WorkflowDefinition) error {
	if def == nil {
		return core.NewValidationError("definition", "must not be nil")
	}
	if err := security.ValidateWorkflowID(def.ID); err != nil {
		return err
	}
	if def.Handler == nil {
		return core.NewValidationError("handler", "must not be nil")
	}
	if def.Steps == nil {
		return core.NewValidationError("steps", "must not be nil")
	}
	if err := def.Steps.Validate(); err != nil {
		return err
	}

	if def.Cron != nil {
		if err := r.validateCron(def.Cron); err != nil {
			return err
		}
		if def.InputSchema != nil {
			if err := def.InputSchema(map[string]any{}); err != nil {
				return core.NewValidationError("inputSchema", "must accept {} since cron runs always carry empty input")
			}
		}
	}

	if def.Concurrency != nil {
		def.Concurrency.Limit = security.ClampConcurrency(def.Concurrency.Limit)
	}
	if def.Retry != nil {
		def.Retry.MaxAttempts = security.ClampRetries(def.Retry.MaxAttempts)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return core.NewValidationError("id", fmt.Sprintf("workflow %q is already registered", def.ID))
	}
	r.defs[def.ID] = def
	return nil
}

func (r *Registry) validateCron(c *core.CronConfig) error {
	if c.Expression == "" {
		return core.NewValidationError("cron.expression", "must not be empty")
	}
	if _, err := cronParser.Parse(c.Expression); err != nil {
		return core.NewValidationError("cron.expression", fmt.Sprintf("invalid cron expression: %v", err))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return core.NewValidationError("cron.timezone", fmt.Sprintf("invalid timezone: %v", err))
		}
	}
	return nil
}

// Get returns the definition for id, if registered.
func (r *Registry) Get(id string) (*core.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Unregister drops id from the in-memory registry. It does not touch
// persisted runs, matching spec's unregisterWorkflow contract.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
}

// UnregisterAll clears every registered definition.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*core.WorkflowDefinition)
}

// All returns a snapshot slice of every registered definition, used by
// the cron scheduler to (re)subscribe on startup.
func (r *Registry) All() []*core.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}
