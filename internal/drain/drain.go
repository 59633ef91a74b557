// Package drain implements the Drain Controller (spec.md §4.5): a
// single-shot state machine triggered by SIGTERM/SIGINT or an explicit
// Stop() call that closes intake, waits for in-flight work, re-queues
// survivors, and tears down cleanly within a bounded grace window.
package drain

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// State is one step of the drain state machine (spec.md §4.5).
type State int

const (
	StateIntakeOpen State = iota
	StateIntakeClosed
	StateDraining
	StateRequeuing
	StateCleaning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIntakeOpen:
		return "INTAKE_OPEN"
	case StateIntakeClosed:
		return "INTAKE_CLOSED"
	case StateDraining:
		return "DRAINING"
	case StateRequeuing:
		return "REQUEUING"
	case StateCleaning:
		return "CLEANING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Consumer is the subset of internal/consumer.Consumer the Drain
// Controller drives. A small interface here keeps Consumer → Injector →
// Broker as the only dependency edge (spec.md §9: unidirectional
// dependencies, Drain → Consumer, no back-reference).
type Consumer interface {
	CloseIntake(ctx context.Context)
	Stop()
	ActiveExecutions() []*domain.ExecutionRecord
	RemoveActive(executionID string)
	ScanDeadlines(ctx context.Context)
}

// Config tunes the grace windows spec.md §4.5 names.
type Config struct {
	MaxWaitSeconds  time.Duration // default 90s
	PollInterval    time.Duration // default 5s
	CleanupTimeout  time.Duration // default 15s
	ForceExitDelay  time.Duration // default 5s
}

// DefaultConfig returns the named defaults.
func DefaultConfig() Config {
	return Config{
		MaxWaitSeconds: 90 * time.Second,
		PollInterval:   5 * time.Second,
		CleanupTimeout: 15 * time.Second,
		ForceExitDelay: 5 * time.Second,
	}
}

// Releaser cleans up injector caches (and anything else with a bounded
// teardown) during the CLEANING transition.
type Releaser interface {
	CleanupExpired(ctx context.Context)
}

// Controller runs the Drain Controller state machine exactly once.
type Controller struct {
	cfg      Config
	consumer Consumer
	broker   domain.Broker
	releaser Releaser

	mu      sync.Mutex
	state   State
	started atomic.Bool

	done chan struct{}
}

// New constructs a Controller bound to the consumer, broker, and
// injector it will drive on drain.
func New(cfg Config, consumer Consumer, broker domain.Broker, releaser Releaser) *Controller {
	return &Controller{
		cfg:      cfg,
		consumer: consumer,
		broker:   broker,
		releaser: releaser,
		state:    StateIntakeOpen,
		done:     make(chan struct{}),
	}
}

// State reports the controller's current step, useful for tests and
// health checks.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Done returns a channel closed once the CLEANING transition completes,
// i.e. right before the force-exit delay (spec.md §4.5 step 5). Callers
// that own process exit (cmd/worker) should select on this
// rather than reimplementing the force-exit sleep.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Drain runs the full state machine once. A second call while draining
// is a no-op (spec.md §4.5 idempotence: "a second signal during DRAINING
// is ignored").
func (c *Controller) Drain(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		slog.Info("drain already in progress, ignoring duplicate trigger")
		return
	}

	c.intakeClosed(ctx)
	c.draining(ctx)
	c.requeuing(ctx)
	c.cleaning(ctx)
	c.setState(StateDone)
	close(c.done)
}

// intakeClosed implements spec.md §4.5 step 1: stop accepting new
// tasks and de-register so the broker/scaler sees the worker leaving.
func (c *Controller) intakeClosed(ctx context.Context) {
	c.setState(StateIntakeClosed)
	slog.Info("drain: closing intake")
	c.consumer.CloseIntake(ctx)
}

// draining implements spec.md §4.5 step 2: poll while active executions
// remain, up to MaxWaitSeconds, also running the deadline scan on each
// poll so slow handlers surface as timeouts early rather than at the
// requeue cliff.
func (c *Controller) draining(ctx context.Context) {
	c.setState(StateDraining)
	deadline := time.Now().Add(c.cfg.MaxWaitSeconds)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.consumer.ScanDeadlines(ctx)
		active := c.consumer.ActiveExecutions()
		if len(active) == 0 {
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("drain: max wait exceeded with executions still active", slog.Int("active", len(active)))
			return
		}
		slog.Info("drain: waiting for in-flight tasks", slog.Int("active", len(active)))
		<-ticker.C
	}
}

// requeuing implements spec.md §4.5 step 3: any execution still active
// after DRAINING is re-queued at its original priority with
// retry_count+1 recorded; a re-enqueue failure is published as FAILED
// rather than silently dropped.
func (c *Controller) requeuing(ctx context.Context) {
	c.setState(StateRequeuing)
	for _, rec := range c.consumer.ActiveExecutions() {
		if !rec.Claim() {
			// dispatch finished this record on its own between the last
			// draining() poll and here; its own finish path already
			// published a terminal status, so don't requeue it too.
			c.consumer.RemoveActive(rec.ExecutionID)
			continue
		}
		task := rec.Task
		task.RetryCount++
		now := time.Now()

		if err := c.broker.Enqueue(ctx, task, 0); err != nil {
			slog.Warn("drain: requeue failed, publishing FAILED", slog.String("task_id", task.TaskID), slog.Any("error", err))
			if serr := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusFailed, map[string]interface{}{
				"reason": "requeue_failed",
			}); serr != nil {
				slog.Warn("drain: status publish failed", slog.String("task_id", task.TaskID), slog.Any("error", serr))
			}
		} else {
			if serr := c.broker.UpdateTaskStatus(ctx, task.TaskID, domain.StatusPendingRetry, map[string]interface{}{
				"reason":      "graceful_shutdown",
				"requeued_at": now,
				"retry_count": task.RetryCount,
			}); serr != nil {
				slog.Warn("drain: status publish failed", slog.String("task_id", task.TaskID), slog.Any("error", serr))
			}
		}
		c.consumer.RemoveActive(rec.ExecutionID)
	}
}

// cleaning implements spec.md §4.5 step 4: stop consumer loops, release
// injector caches under a bounded timeout, and close the broker
// connection.
func (c *Controller) cleaning(ctx context.Context) {
	c.setState(StateCleaning)
	c.consumer.Stop()

	if c.releaser != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CleanupTimeout)
		defer cancel()
		released := make(chan struct{})
		go func() {
			c.releaser.CleanupExpired(cctx)
			close(released)
		}()
		select {
		case <-released:
		case <-cctx.Done():
			slog.Warn("drain: injector cleanup timed out")
		}
	}

	if err := c.broker.Close(); err != nil {
		slog.Warn("drain: broker close failed", slog.Any("error", err))
	}
}

// WaitForceExit blocks for ForceExitDelay after Done() fires, the small
// grace window spec.md §4.5 step 5 names before the process exits.
func (c *Controller) WaitForceExit() {
	<-c.done
	time.Sleep(c.cfg.ForceExitDelay)
}
