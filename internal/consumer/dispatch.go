// Dispatch activity, deadline-monitor loop, and heartbeat loop for the
// Task Consumer (spec.md §4.4). Kept in a separate file from the
// dequeue/lifecycle half of the consumer so each concern stays readable
// on its own.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/adapter/observability"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// dispatch runs one Execution Record through prepare → handler →
// classify, racing the handler against the record's deadline. It always
// removes the record from the active map before returning.
func (c *Consumer) dispatch(ctx context.Context, rec *domain.ExecutionRecord) {
	defer c.RemoveActive(rec.ExecutionID)

	task := rec.Task
	ctx, span := observability.StartTaskSpan(ctx, task.TaskID, task.TaskType, task.Market, task.Symbol, string(task.Priority))
	defer span.End()
	log := observability.TaskLogger(slog.Default(), task.TaskID, task.TaskType, task.Market)

	if task.MaxRetries <= 0 {
		// A producer that omits max_retries gets the consumer's
		// configured default rather than zero retries (spec.md §7:
		// retry_count <= max_retries must stay meaningful).
		task.MaxRetries = c.retryCfg.MaxRetries
	}

	if err := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusRunning, map[string]interface{}{
		"worker_id":    rec.WorkerID,
		"execution_id": rec.ExecutionID,
		"started_at":   rec.StartedAt,
	}); err != nil {
		log.Warn("status publish failed", slog.Any("error", err))
	}

	injCtx, err := c.injector.Prepare(ctx, task)
	if err != nil {
		c.finishFailure(ctx, rec, "prepare_error:"+err.Error())
		return
	}

	h, ok := c.registry.Lookup(task.TaskType)
	if !ok {
		h, ok = c.registry.Default()
	}
	if !ok {
		c.finishNoHandler(ctx, rec)
		return
	}

	dctx, cancel := context.WithDeadline(ctx, rec.Deadline)
	defer cancel()

	type result struct {
		success bool
		reason  string
	}
	done := make(chan result, 1)
	started := time.Now()
	go func() {
		success, reason := h(dctx, task, injCtx)
		done <- result{success, reason}
	}()

	select {
	case r := <-done:
		if !rec.Claim() {
			return // scanDeadlines already claimed this record
		}
		duration := time.Since(started)
		outcome := dispatchOutcome(r.success, r.reason)
		observability.DispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
		if r.reason == "missing_credential" {
			observability.RecordTaskOutcome(span, outcome, task.RetryCount < task.MaxRetries)
			c.finishMissingCredential(ctx, rec, injCtx, duration)
			return
		}
		if r.success {
			observability.RecordTaskOutcome(span, outcome, false)
			c.finishSuccess(ctx, rec, injCtx, duration)
			return
		}
		observability.RecordTaskOutcome(span, outcome, task.RetryCount < task.MaxRetries)
		c.finishFailure(ctx, rec, r.reason)
		_ = c.injector.ReportOutcome(ctx, injCtx, false, duration)
	case <-dctx.Done():
		// The dispatch races handler-return against the deadline;
		// whichever fires first wins (spec.md §4.4 step 4). Claim
		// guards against the defensive deadline-scan loop picking up
		// the same record concurrently.
		if !rec.Claim() {
			return
		}
		observability.DispatchDuration.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
		observability.RecordTaskOutcome(span, "timeout", task.RetryCount < task.MaxRetries)
		c.finishTimeout(ctx, rec)
		_ = c.injector.ReportOutcome(ctx, injCtx, false, rec.Deadline.Sub(started))
	}
}

// dispatchOutcome labels a handler-returned (non-timeout) result for the
// dispatch-duration histogram.
func dispatchOutcome(success bool, reason string) string {
	if success {
		return "success"
	}
	if reason == "missing_credential" {
		return "missing_credential"
	}
	return "failure"
}

func (c *Consumer) finishSuccess(ctx context.Context, rec *domain.ExecutionRecord, injCtx domain.InjectionContext, duration time.Duration) {
	if err := c.broker.UpdateTaskStatus(ctx, rec.Task.TaskID, domain.StatusSuccess, map[string]interface{}{
		"completed_at": time.Now(),
		"duration":     duration.Seconds(),
	}); err != nil {
		slog.Warn("status publish failed", slog.String("task_id", rec.Task.TaskID), slog.Any("error", err))
	}
	c.stats.incSuccessful()
	observability.TasksSucceededTotal.WithLabelValues(rec.Task.TaskType).Inc()
	if err := c.injector.ReportOutcome(ctx, injCtx, true, duration); err != nil {
		slog.Warn("report outcome failed", slog.String("task_id", rec.Task.TaskID), slog.Any("error", err))
	}
}

// finishFailure implements spec.md §4.4.fail: retry with exponential
// backoff while budget remains, else terminal FAILED.
func (c *Consumer) finishFailure(ctx context.Context, rec *domain.ExecutionRecord, errReason string) {
	task := rec.Task
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := c.retryCfg.TransientRetryDelay(task.RetryCount)
		if err := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusRetry, map[string]interface{}{
			"error":       errReason,
			"retry_count": task.RetryCount,
			"delay":       delay.Seconds(),
		}); err != nil {
			slog.Warn("status publish failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		}
		if err := c.broker.Enqueue(ctx, task, delay); err != nil {
			slog.Warn("retry re-enqueue failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		}
		c.stats.incRetry()
		observability.TasksRetriedTotal.WithLabelValues("failure").Inc()
		return
	}

	if err := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusFailed, map[string]interface{}{
		"error":              errReason,
		"final_retry_count":  task.RetryCount,
	}); err != nil {
		slog.Warn("status publish failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
	}
	c.stats.incFailed()
	observability.TasksFailedTotal.WithLabelValues(task.TaskType).Inc()
}

// finishMissingCredential is the "Missing credential / mandatory
// resource" error-taxonomy row (spec.md §7): counted and retried as a
// transient failure, not a distinct terminal state.
func (c *Consumer) finishMissingCredential(ctx context.Context, rec *domain.ExecutionRecord, injCtx domain.InjectionContext, duration time.Duration) {
	_ = c.injector.ReportOutcome(ctx, injCtx, false, duration)
	c.finishFailure(ctx, rec, "missing_credential")
}

// finishNoHandler is the "No handler registered" error-taxonomy row:
// immediate FAILED, non-retryable.
func (c *Consumer) finishNoHandler(ctx context.Context, rec *domain.ExecutionRecord) {
	if err := c.broker.UpdateTaskStatus(ctx, rec.Task.TaskID, domain.StatusFailed, map[string]interface{}{
		"error": "no_handler",
	}); err != nil {
		slog.Warn("status publish failed", slog.String("task_id", rec.Task.TaskID), slog.Any("error", err))
	}
	c.stats.incFailed()
	observability.TasksFailedTotal.WithLabelValues(rec.Task.TaskType).Inc()
}

// finishTimeout implements spec.md §4.4.timeout: fixed 5-minute backoff
// (timeouts suggest upstream slowness, not a bad message, so they back
// off less aggressively than transient failures) while budget remains,
// else terminal TIMEOUT. Either branch increments the timeout counter.
func (c *Consumer) finishTimeout(ctx context.Context, rec *domain.ExecutionRecord) {
	task := rec.Task
	c.stats.incTimeout()
	observability.TasksTimeoutTotal.WithLabelValues(task.TaskType).Inc()

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		if err := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusRetry, map[string]interface{}{
			"error":       "timeout",
			"retry_count": task.RetryCount,
			"delay":       c.retryCfg.TimeoutDelay.Seconds(),
		}); err != nil {
			slog.Warn("status publish failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		}
		if err := c.broker.Enqueue(ctx, task, c.retryCfg.TimeoutDelay); err != nil {
			slog.Warn("timeout re-enqueue failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		}
		observability.TasksRetriedTotal.WithLabelValues("timeout").Inc()
		return
	}

	if err := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusTimeout, map[string]interface{}{
		"final_retry_count": task.RetryCount,
	}); err != nil {
		slog.Warn("status publish failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
	}
}

// deadlineMonitorLoop defensively catches executions whose handler
// failed to honor cooperative cancellation promptly (spec.md §4.4
// "Deadline-monitor loop"). The dispatch activity's own select already
// resolves the common case; this loop is the backstop.
func (c *Consumer) deadlineMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DeadlineScanInterval)
	defer ticker.Stop()
	for c.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanDeadlines(ctx)
		}
	}
}

// ScanDeadlines reclaims any active execution past its deadline. Exported
// so the Drain Controller can run the same scan on its own DRAINING poll
// (spec.md §4.5 step 2), not just on this package's background
// deadlineMonitorLoop.
func (c *Consumer) ScanDeadlines(ctx context.Context) {
	c.scanDeadlines(ctx)
}

func (c *Consumer) scanDeadlines(ctx context.Context) {
	now := time.Now()
	var overdue []*domain.ExecutionRecord
	c.mu.Lock()
	for _, rec := range c.active {
		if rec.Deadline.Before(now) {
			overdue = append(overdue, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range overdue {
		if !rec.Claim() {
			continue // dispatch's own deadline race already finished it
		}
		// Route through RemoveActive, not a raw map delete, so
		// observability.ActiveExecutions stays in sync for reclaims
		// that originate from this loop rather than dispatch's own
		// deadline race.
		c.RemoveActive(rec.ExecutionID)
		c.finishTimeout(ctx, rec)
	}
}

// heartbeatLoop publishes the live counters snapshot and re-asserts the
// worker registration every HeartbeatInterval (spec.md §4.4 "Heartbeat
// loop", §6.3).
func (c *Consumer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for c.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat(ctx)
		}
	}
}

func (c *Consumer) beat(ctx context.Context) {
	snapshot := domain.WorkerStatusSnapshot{
		Running:     c.running.Load(),
		ActiveTasks: c.ActiveCount(),
		Stats:       c.stats.snapshot(),
		ReportedAt:  time.Now(),
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("heartbeat marshal failed", slog.Any("error", err))
		return
	}
	if err := c.broker.CacheSet(ctx, statusSnapshotKey(c.cfg.WorkerID), b, 120*time.Second); err != nil {
		slog.Warn("heartbeat publish failed", slog.Any("error", err))
	}
	if c.accepting.Load() {
		if err := c.publishRegistration(ctx); err != nil {
			slog.Warn("registration re-assert failed", slog.Any("error", err))
		}
	}
}
