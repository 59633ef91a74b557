// Package consumer implements the Task Consumer (spec.md §4.4): one
// blocking dequeue loop per listened priority, a bounded-concurrency
// dispatch activity per task, a deadline-monitor loop, and a heartbeat
// loop. The Drain Controller (internal/drain) drives this consumer's
// intake flag and active-execution map during shutdown.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/adapter/observability"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

func registrationKey(workerID string) string { return "worker:" + workerID }
func statusSnapshotKey(workerID string) string { return "worker_status:" + workerID }

// Consumer is the concrete Task Consumer.
type Consumer struct {
	cfg      domain.WorkerConfig
	retryCfg domain.RetryConfig
	broker   domain.Broker
	injector domain.Injector
	registry domain.HandlerRegistry

	running   atomic.Bool
	accepting atomic.Bool

	mu     sync.Mutex
	active map[string]*domain.ExecutionRecord

	stats statsCounters

	wg sync.WaitGroup
}

type statsCounters struct {
	mu           sync.Mutex
	consumed     int64
	successful   int64
	failed       int64
	timeout      int64
	retry        int64
	startTime    time.Time
	lastTaskTime *time.Time
}

// New constructs a Consumer bound to its dependencies.
func New(cfg domain.WorkerConfig, retryCfg domain.RetryConfig, broker domain.Broker, inj domain.Injector, registry domain.HandlerRegistry) *Consumer {
	c := &Consumer{
		cfg:      cfg,
		retryCfg: retryCfg,
		broker:   broker,
		injector: inj,
		registry: registry,
		active:   make(map[string]*domain.ExecutionRecord),
	}
	c.stats.startTime = time.Now()
	return c
}

// Start registers the worker and launches its dequeue, heartbeat, and
// deadline-monitor loops. It returns once all loops are launched; it
// does not block.
func (c *Consumer) Start(ctx context.Context) error {
	c.running.Store(true)
	c.accepting.Store(true)

	if err := c.publishRegistration(ctx); err != nil {
		return fmt.Errorf("op=consumer.Start: %w", err)
	}

	for _, p := range c.cfg.QueuePriorities {
		priority := p
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dequeueLoop(ctx, priority)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deadlineMonitorLoop(ctx)
	}()

	return nil
}

// Wait blocks until every launched loop goroutine has returned (i.e.
// after CloseIntake/Stop has been called and loops observe it).
func (c *Consumer) Wait() { c.wg.Wait() }

// CloseIntake stops the dequeue loops from pulling new work and
// de-registers the worker, the first Drain Controller transition
// (spec.md §4.5 INTAKE_CLOSED).
func (c *Consumer) CloseIntake(ctx context.Context) {
	c.accepting.Store(false)
	if err := c.broker.CacheDelete(ctx, registrationKey(c.cfg.WorkerID)); err != nil {
		slog.Warn("deregistration failed", slog.Any("error", err))
	}
}

// Stop flips the running flag so deadline/heartbeat loops exit on
// their next tick.
func (c *Consumer) Stop() { c.running.Store(false) }

// ActiveCount reports the number of in-flight executions.
func (c *Consumer) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ActiveExecutions returns a snapshot copy of in-flight executions, used
// by the Drain Controller's REQUEUING transition.
func (c *Consumer) ActiveExecutions() []*domain.ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.ExecutionRecord, 0, len(c.active))
	for _, rec := range c.active {
		out = append(out, rec)
	}
	return out
}

// RemoveActive removes an execution from the active map; used by the
// Drain Controller once it has re-queued or force-failed a record.
func (c *Consumer) RemoveActive(executionID string) {
	c.mu.Lock()
	delete(c.active, executionID)
	n := len(c.active)
	c.mu.Unlock()
	observability.ActiveExecutions.Set(float64(n))
}

func (c *Consumer) publishRegistration(ctx context.Context) error {
	reg := domain.WorkerRegistration{
		WorkerID:           c.cfg.WorkerID,
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
		TaskTimeoutSeconds: c.cfg.TaskTimeout.Seconds(),
		SupportedTaskTypes: c.cfg.SupportedTaskTypes,
		SupportedMarkets:   c.cfg.SupportedMarkets,
		QueuePriorities:    c.cfg.QueuePriorities,
		RegisteredAt:       time.Now(),
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return c.broker.CacheSet(ctx, registrationKey(c.cfg.WorkerID), b, 0)
}

func (c *Consumer) dequeueLoop(ctx context.Context, priority domain.Priority) {
	for c.running.Load() {
		if ctx.Err() != nil {
			return
		}
		if !c.accepting.Load() {
			return
		}
		if c.ActiveCount() >= c.cfg.MaxConcurrentTasks {
			time.Sleep(time.Second)
			continue
		}

		task, err := c.broker.Dequeue(ctx, priority, c.cfg.DequeueBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("dequeue failed", slog.String("priority", string(priority)), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		if !c.allowed(*task) {
			c.filterReject(ctx, *task)
			continue
		}

		rec := &domain.ExecutionRecord{
			ExecutionID: uuid.NewString(),
			Task:        *task,
			WorkerID:    c.cfg.WorkerID,
			StartedAt:   time.Now(),
			Deadline:    time.Now().Add(c.cfg.TaskTimeout),
		}
		c.mu.Lock()
		c.active[rec.ExecutionID] = rec
		c.mu.Unlock()
		observability.ActiveExecutions.Set(float64(c.ActiveCount()))

		c.stats.incConsumed()
		observability.TasksConsumedTotal.WithLabelValues(string(priority)).Inc()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(ctx, rec)
		}()
	}
}

func (c *Consumer) allowed(task domain.Task) bool {
	if len(c.cfg.SupportedTaskTypes) > 0 && !contains(c.cfg.SupportedTaskTypes, task.TaskType) {
		return false
	}
	if len(c.cfg.SupportedMarkets) > 0 && !contains(c.cfg.SupportedMarkets, task.Market) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// filterReject downgrades an unsupported task to LOW priority and
// re-enqueues it with a fixed delay rather than dropping it (spec.md
// §4.4: "ensures they do not resurface quickly at CRITICAL/HIGH").
func (c *Consumer) filterReject(ctx context.Context, task domain.Task) {
	task.Priority = domain.PriorityLow
	if err := c.broker.Enqueue(ctx, task, c.retryCfg.FilterRejectDelay); err != nil {
		slog.Warn("filter-reject re-enqueue failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
	}
}

func (s *statsCounters) incConsumed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed++
	now := time.Now()
	s.lastTaskTime = &now
}

func (s *statsCounters) incSuccessful() { s.mu.Lock(); s.successful++; s.mu.Unlock() }
func (s *statsCounters) incFailed()     { s.mu.Lock(); s.failed++; s.mu.Unlock() }
func (s *statsCounters) incTimeout()    { s.mu.Lock(); s.timeout++; s.mu.Unlock() }
func (s *statsCounters) incRetry()      { s.mu.Lock(); s.retry++; s.mu.Unlock() }

func (s *statsCounters) snapshot() domain.WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.WorkerStats{
		Consumed:     s.consumed,
		Successful:   s.successful,
		Failed:       s.failed,
		Timeout:      s.timeout,
		Retry:        s.retry,
		StartTime:    s.startTime,
		LastTaskTime: s.lastTaskTime,
	}
}

// Stats returns a snapshot of the running counters.
func (c *Consumer) Stats() domain.WorkerStats { return c.stats.snapshot() }
