package queueadapter

import "time"

// queuedJobStatus mirrors the teacher's core.JobStatus, narrowed to the
// states the transport itself needs (delivery bookkeeping only — run
// lifecycle lives in core.WorkflowRun, not here).
type queuedJobStatus string

const (
	jobPending queuedJobStatus = "pending"
	jobRunning queuedJobStatus = "running"
	jobDone    queuedJobStatus = "done"
)

// queuedJob is the persisted transport row, grounded on the teacher's
// pkg/core.Job (ID/Queue/Args/Status/RunAt/LockedBy/LockedUntil), pared
// down to what a generic at-least-once transport needs: this package
// has no notion of retries, priorities, or fan-out, since those are the
// dispatcher's and workflow definition's concerns, not the transport's.
type queuedJob struct {
	ID          string          `gorm:"column:id;primaryKey;size:36"`
	Queue       string          `gorm:"column:queue;size:255;not null;index"`
	Payload     []byte          `gorm:"column:payload;type:text"`
	Status      queuedJobStatus `gorm:"column:status;size:20;not null;index"`
	RunAt       *time.Time      `gorm:"column:run_at;index"`
	LockedUntil *time.Time      `gorm:"column:locked_until;index"`
	LockedBy    string          `gorm:"column:locked_by;size:64"`
	Attempt     int             `gorm:"column:attempt;not null;default:0"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
}

func (queuedJob) TableName() string { return "queue_jobs" }

// cronEntry records an active cron registration: Schedule writes it and
// Unschedule deletes it. The next-fire computation runs in
// robfig/cron/v3 inside GormAdapter.Schedule; nothing in this module
// reads these rows back, so a restart does not reload them.
type cronEntry struct {
	Queue      string `gorm:"column:queue;primaryKey;size:255"`
	Expression string `gorm:"column:expression;size:255;not null"`
	Timezone   string `gorm:"column:timezone;size:64"`
	Payload    []byte `gorm:"column:payload;type:text"`
}

func (cronEntry) TableName() string { return "queue_cron_entries" }
