// Package domain defines core entities, ports, and domain-specific errors
// for the crawler worker.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// Error taxonomy (sentinels). Handler and injector code classify
// failures against these so the consumer never depends on error string
// matching for control flow.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrNoHandler         = errors.New("no_handler")
	ErrMissingCredential = errors.New("missing_credential")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// Priority is the closed set of task priority levels. Listened priorities
// are traversed in this declaration order.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Priorities lists every priority level in strict-priority order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// TaskStatus is the closed status vocabulary locked in the design notes:
// the broader set, not the narrower COMPLETED-style vocabulary some
// status-publishing call sites might otherwise drift toward.
type TaskStatus string

const (
	StatusQueued       TaskStatus = "QUEUED"
	StatusRunning      TaskStatus = "RUNNING"
	StatusSuccess      TaskStatus = "SUCCESS"
	StatusFailed       TaskStatus = "FAILED"
	StatusTimeout      TaskStatus = "TIMEOUT"
	StatusRetry        TaskStatus = "RETRY"
	StatusCancelled    TaskStatus = "CANCELLED"
	StatusPendingRetry TaskStatus = "PENDING_RETRY"
)

// Task is the unit of work dequeued from the Broker Gateway.
//
// Invariants: TaskID is immutable across retries; RetryCount <= MaxRetries
// at dequeue time; Priority may only ever be downgraded, never upgraded,
// and only by the consumer's filter-reject path (to LOW).
type Task struct {
	TaskID            string          `json:"task_id" validate:"required"`
	TaskType          string          `json:"task_type" validate:"required"`
	Market            string          `json:"market" validate:"required"`
	Symbol            string          `json:"symbol" validate:"required"`
	Timeframe         string          `json:"timeframe,omitempty"`
	Payload           json.RawMessage `json:"payload" validate:"required"`
	Priority          Priority        `json:"priority" validate:"required,oneof=CRITICAL HIGH NORMAL LOW"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	EnqueuedAt        time.Time       `json:"enqueued_at" validate:"required"`
	RequestedDeadline *time.Time      `json:"requested_deadline,omitempty"`
}

// StatusEvent is the append-only event published to the broker for a task.
type StatusEvent struct {
	TaskID  string                 `json:"task_id"`
	Status  TaskStatus             `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	TS      time.Time              `json:"ts"`
}

// ExecutionRecord is worker-local bookkeeping for one in-flight dispatch.
// It is created when a task is dispatched and destroyed when it
// terminates; it is never persisted.
type ExecutionRecord struct {
	ExecutionID string
	Task        Task
	WorkerID    string
	StartedAt   time.Time
	Deadline    time.Time

	finished atomic.Bool
}

// Remaining reports how long until the deadline fires, never negative.
func (r *ExecutionRecord) Remaining(now time.Time) time.Duration {
	if d := r.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Claim atomically marks the record as finished, returning true the
// first time it is called. The dispatch activity's own deadline race
// and the consumer's defensive deadline-scan loop both try to finish
// the same record when a handler overruns its deadline; Claim ensures
// exactly one of them proceeds.
func (r *ExecutionRecord) Claim() bool {
	return r.finished.CompareAndSwap(false, true)
}
