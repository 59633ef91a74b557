package domain

import "time"

// Broker is the Broker Gateway's public contract (spec.md §4.1). The
// core depends only on these operations; the queue backend itself is a
// black box behind this port.
type Broker interface {
	Enqueue(ctx Context, task Task, delay time.Duration) error
	Dequeue(ctx Context, priority Priority, blockTimeout time.Duration) (*Task, error)
	UpdateTaskStatus(ctx Context, taskID string, status TaskStatus, details map[string]interface{}) error
	CacheSet(ctx Context, key string, value []byte, ttl time.Duration) error
	CacheGet(ctx Context, key string) ([]byte, bool, error)
	CacheDelete(ctx Context, key string) error
	QueueDepth(ctx Context, queueName string) (int64, error)
	Close() error
}

// Injector is the Resource Injector's public contract (spec.md §4.2).
type Injector interface {
	Prepare(ctx Context, task Task) (InjectionContext, error)
	ReportOutcome(ctx Context, injCtx InjectionContext, success bool, responseTime time.Duration) error
	CleanupExpired(ctx Context)
}

// Handler is the uniform handler contract (spec.md §4.3 / §9): no
// retention of the context after return, must be idempotent.
type Handler func(ctx Context, task Task, injCtx InjectionContext) (success bool, reason string)

// HandlerRegistry maps task_type to a Handler, falling back to a
// configured default handler.
type HandlerRegistry interface {
	Register(taskType string, h Handler)
	Lookup(taskType string) (Handler, bool)
	Default() (Handler, bool)
	SetDefault(h Handler)
}

// Orchestrator is the Autoscaler's view of the deployment platform
// (spec.md §6.4).
type Orchestrator interface {
	ReadDeployment(ctx Context, name, namespace string) (replicas int32, err error)
	PatchDeploymentReplicas(ctx Context, name, namespace string, replicas int32) error
}
