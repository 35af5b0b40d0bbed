package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/engine/pkg/core"
	"github.com/durableflow/engine/pkg/registry"
)

func sampleDef(id string) *core.WorkflowDefinition {
	steps := core.NewStepList()
	steps.Step("s1", core.StepKindRun)
	return &core.WorkflowDefinition{
		ID:      id,
		Handler: func(ctx *core.WorkflowContext) (any, error) { return nil, nil },
		Steps:   steps,
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDef("wf1")))

	def, ok := r.Get("wf1")
	require.True(t, ok)
	assert.Equal(t, "wf1", def.ID)
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDef("wf1")))

	err := r.Register(sampleDef("wf1"))
	require.Error(t, err)
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRegistry_EmptyStepListRejected(t *testing.T) {
	r := registry.New()
	def := &core.WorkflowDefinition{
		ID:      "wf-empty",
		Handler: func(ctx *core.WorkflowContext) (any, error) { return nil, nil },
		Steps:   core.NewStepList(),
	}
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegistry_DuplicateStepIDRejected(t *testing.T) {
	r := registry.New()
	steps := core.NewStepList()
	steps.Step("s1", core.StepKindRun)
	steps.Step("s1", core.StepKindRun)
	def := &core.WorkflowDefinition{
		ID:      "wf-dup-step",
		Handler: func(ctx *core.WorkflowContext) (any, error) { return nil, nil },
		Steps:   steps,
	}
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegistry_InvalidCronExpressionRejected(t *testing.T) {
	r := registry.New()
	def := sampleDef("wf-cron")
	def.Cron = &core.CronConfig{Expression: "not a cron"}
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegistry_CronRequiresSchemaToAcceptEmptyInput(t *testing.T) {
	r := registry.New()
	def := sampleDef("wf-cron-schema")
	def.Cron = &core.CronConfig{Expression: "*/5 * * * *"}
	def.InputSchema = func(v any) error { return core.NewValidationError("input", "always rejects") }
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegistry_ValidCronWithAcceptingSchema(t *testing.T) {
	r := registry.New()
	def := sampleDef("wf-cron-ok")
	def.Cron = &core.CronConfig{Expression: "*/5 * * * *", Timezone: "UTC"}
	def.InputSchema = func(v any) error { return nil }
	require.NoError(t, r.Register(def))
}

func TestRegistry_UnregisterRemovesEntry(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDef("wf1")))
	r.Unregister("wf1")

	_, ok := r.Get("wf1")
	assert.False(t, ok)
}

func TestRegistry_UnregisterAll(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDef("wf1")))
	require.NoError(t, r.Register(sampleDef("wf2")))
	r.UnregisterAll()

	assert.Empty(t, r.All())
}

func TestRegistry_ConcurrencyClamped(t *testing.T) {
	r := registry.New()
	def := sampleDef("wf-conc")
	def.Concurrency = &core.ConcurrencyLimit{Limit: 5000}
	require.NoError(t, r.Register(def))

	got, _ := r.Get("wf-conc")
	assert.Equal(t, 1000, got.Concurrency.Limit)
}
