// Package queueadapter implements the Queue Adapter (spec §4.2): a
// thin, Postgres-capable at-least-once job transport with delayed
// delivery and cron fan-out. spec.md treats the queue as an external
// collaborator specified only through this interface; this package
// supplies a concrete implementation so the rest of the engine has
// something real to dispatch against.
//
// Grounded on the teacher's pkg/core.Storage claim-by-update pattern
// (Enqueue/Dequeue/GetDueJobs) and pkg/worker.Worker's poll-ticker +
// heartbeat loop, generalized from "one job table with a Queue column"
// to the narrower create/send/work/schedule/unschedule/stop surface
// spec §4.2 names.
package queueadapter

import (
	"context"
	"time"
)

// SendOptions configures one enqueue.
type SendOptions struct {
	// StartAfter delays visibility until this time; nil means
	// immediately eligible.
	StartAfter *time.Time
	// ExpireInSeconds is the job expiration the caller asks for.
	// GormAdapter neither stores nor enforces it: every claim sets a
	// fixed five-minute lock, and a job left in the running state is not
	// reclaimed when that lock expires.
	ExpireInSeconds int
}

// WorkOptions configures a subscription.
type WorkOptions struct {
	PollingInterval time.Duration
	BatchSize       int
	IncludeMetadata bool
	// Concurrency is the number of independent poll loops subscribed to
	// the queue, each processing its own claimed batch. Default 1.
	Concurrency int
}

// ScheduleOptions configures a cron registration.
type ScheduleOptions struct {
	Timezone string
}

// Job is one delivered message.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	Attempt   int
	CreatedAt time.Time
}

// Handler processes a batch of jobs. Returning nil acks every job in
// the batch; returning an error nacks the whole batch for redelivery,
// mirroring at-least-once queues in the corpus (the teacher's own
// Dequeue/Fail split, generalized to spec's "throwing nacks" language).
type Handler func(ctx context.Context, jobs []Job) error

// Subscription is a running work() loop; Stop ends it.
type Subscription interface {
	Stop()
}

// Adapter is the Queue Adapter contract from spec §4.2.
type Adapter interface {
	// CreateQueue is idempotent.
	CreateQueue(ctx context.Context, name string) error

	// Send enqueues payload, optionally delayed. At-least-once.
	Send(ctx context.Context, queueName string, payload []byte, opts SendOptions) error

	// Work subscribes handler to queueName and returns at once; the poll
	// loops run in the background until Subscription.Stop or the
	// adapter's Stop.
	Work(ctx context.Context, queueName string, opts WorkOptions, handler Handler) (Subscription, error)

	// Schedule registers a cron that fires Send on every tick.
	Schedule(ctx context.Context, queueName, cronExpression string, payload []byte, opts ScheduleOptions) error

	// Unschedule removes a cron registered with Schedule.
	Unschedule(ctx context.Context, queueName string) error

	// Stop drains all workers and cron schedules.
	Stop(ctx context.Context) error
}

// Names of the two logical queues spec §4.2 defines.
const (
	// SharedRunQueue transports "advance this run" jobs for every
	// unlimited, non-cron workflow, plus retries and event deliveries
	// for any workflow that has neither a concurrency limit nor a cron.
	SharedRunQueue = "workflow-run"
)

// PerWorkflowQueueName is the isolated queue used for a workflow with a
// concurrency limit or a cron, so queue-level concurrency caps and cron
// fan-out apply per-workflow rather than globally.
func PerWorkflowQueueName(workflowID string) string {
	return "workflow-" + workflowID
}
