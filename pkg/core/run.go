package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status can never transition further.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TimelineEntry is one value stored under a step id (or "<id>-wait-for")
// in a run's Timeline.
type TimelineEntry struct {
	Output    json.RawMessage `json:"output,omitempty"`
	WaitFor   *WaitForMarker  `json:"waitFor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HasOutput reports whether this entry carries a written step output,
// as opposed to being a wait-for marker.
func (e TimelineEntry) HasOutput() bool {
	return e.Output != nil
}

// WaitForMarker records the event a paused step is waiting on.
type WaitForMarker struct {
	EventName string         `json:"eventName"`
	Timeout   *time.Duration `json:"timeout,omitempty"`
}

// WaitForStepKey is the timeline key under which the wait-for marker
// for stepID is stored.
func WaitForStepKey(stepID string) string {
	return stepID + "-wait-for"
}

// Timeline is the run-local mapping of step id to cached result, plus
// "<id>-wait-for" pause markers. It implements sql.Scanner/driver.Valuer
// so GORM can persist it as a single JSON column.
type Timeline map[string]TimelineEntry

// Clone returns a shallow copy safe to mutate independently of the original.
func (t Timeline) Clone() Timeline {
	if t == nil {
		return Timeline{}
	}
	out := make(Timeline, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer.
func (t Timeline) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (t *Timeline) Scan(value any) error {
	if value == nil {
		*t = Timeline{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("core: unsupported Timeline scan type %T", value)
	}
	if len(raw) == 0 {
		*t = Timeline{}
		return nil
	}
	m := make(Timeline)
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*t = m
	return nil
}

// JSONValue is an opaque JSON payload stored in a single column, used
// for run Input/Output. nil marshals to JSON null / an empty column.
type JSONValue json.RawMessage

func (j JSONValue) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONValue) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append(JSONValue(nil), v...)
	case string:
		*j = JSONValue(v)
	default:
		return fmt.Errorf("core: unsupported JSONValue scan type %T", value)
	}
	return nil
}

// MarshalJSON allows JSONValue to nest transparently in API responses.
func (j JSONValue) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONValue) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// ToAny unmarshals the JSON payload into a generic any value.
func (j JSONValue) ToAny() (any, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(j, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewJSONValue marshals an arbitrary Go value into a JSONValue,
// normalizing nil/undefined results to "{}" per the write-once cache
// contract in spec §4.3 step 4.
func NewJSONValue(v any) (JSONValue, error) {
	if v == nil {
		return JSONValue("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return JSONValue("{}"), nil
	}
	return JSONValue(b), nil
}

// WorkflowRun is the persisted record backing one execution attempt of
// a workflow definition.
type WorkflowRun struct {
	ID             string    `gorm:"column:id;primaryKey;size:32"`
	WorkflowID     string    `gorm:"column:workflow_id;size:255;not null;index:idx_runs_workflow_id"`
	ResourceID     *string   `gorm:"column:resource_id;size:255;index:idx_runs_resource_id"`
	Status         RunStatus `gorm:"column:status;size:20;not null;index"`
	Input          JSONValue `gorm:"column:input;type:text"`
	Output         JSONValue `gorm:"column:output;type:text"`
	Error          *string   `gorm:"column:error;type:text"`
	CurrentStepID  string    `gorm:"column:current_step_id;size:255"`
	Timeline       Timeline  `gorm:"column:timeline;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_runs_created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
	PausedAt       *time.Time `gorm:"column:paused_at"`
	ResumedAt      *time.Time `gorm:"column:resumed_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at;index:idx_runs_cron_completed,priority:2"`
	TimeoutAt      *time.Time `gorm:"column:timeout_at"`
	RetryCount     int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries     int        `gorm:"column:max_retries;not null;default:0"`
	JobID          *string    `gorm:"column:job_id;size:64"`
	Cron           *string    `gorm:"column:cron;size:255;index:idx_runs_cron_completed,priority:1"`
	Timezone       *string    `gorm:"column:timezone;size:64"`
	IdempotencyKey *string    `gorm:"column:idempotency_key;size:255"`
}

// TableName pins the GORM table name to the one spec.md §4.1 names.
func (WorkflowRun) TableName() string { return "workflow_runs" }

// TimelineOutput returns the cached output for stepID, and whether it
// has been written yet. Write-once: once ok is true it stays true.
func (r *WorkflowRun) TimelineOutput(stepID string) (json.RawMessage, bool) {
	e, ok := r.Timeline[stepID]
	if !ok || !e.HasOutput() {
		return nil, false
	}
	return e.Output, true
}

// WaitForMarkerForCurrentStep returns the pause marker for the run's current step, if any.
func (r *WorkflowRun) WaitForMarkerForCurrentStep() (*WaitForMarker, bool) {
	e, ok := r.Timeline[WaitForStepKey(r.CurrentStepID)]
	if !ok || e.WaitFor == nil {
		return nil, false
	}
	return e.WaitFor, true
}

// ScheduleContext is supplied to cron-triggered runs on every dispatch.
type ScheduleContext struct {
	Timestamp     time.Time  `json:"timestamp"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	Timezone      string     `json:"timezone"`
}
