package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// fakeBroker is a minimal in-memory domain.Broker double for exercising
// the consumer's dequeue/dispatch/retry flow without a real Redis.
type fakeBroker struct {
	mu      sync.Mutex
	queues  map[domain.Priority][]domain.Task
	delayed []delayedItem
	events  []domain.StatusEvent
	cache   map[string][]byte
}

type delayedItem struct {
	task  domain.Task
	delay time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues: make(map[domain.Priority][]domain.Task),
		cache:  make(map[string][]byte),
	}
}

func (f *fakeBroker) Enqueue(ctx context.Context, task domain.Task, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delay > 0 {
		f.delayed = append(f.delayed, delayedItem{task, delay})
		return nil
	}
	f.queues[task.Priority] = append(f.queues[task.Priority], task)
	return nil
}

func (f *fakeBroker) Dequeue(ctx context.Context, priority domain.Priority, blockTimeout time.Duration) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[priority]
	if len(q) == 0 {
		return nil, nil
	}
	t := q[0]
	f.queues[priority] = q[1:]
	return &t, nil
}

func (f *fakeBroker) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, details map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, domain.StatusEvent{TaskID: taskID, Status: status, Details: details, TS: time.Now()})
	return nil
}

func (f *fakeBroker) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = value
	return nil
}

func (f *fakeBroker) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cache[key]
	return v, ok, nil
}

func (f *fakeBroker) CacheDelete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, key)
	return nil
}

func (f *fakeBroker) QueueDepth(ctx context.Context, queueName string) (int64, error) { return 0, nil }
func (f *fakeBroker) Close() error                                                    { return nil }

func (f *fakeBroker) statusesFor(taskID string) []domain.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TaskStatus
	for _, e := range f.events {
		if e.TaskID == taskID {
			out = append(out, e.Status)
		}
	}
	return out
}

func (f *fakeBroker) queueLen(p domain.Priority) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[p])
}

// releaseDelayed moves every delayed re-enqueue into its priority queue,
// standing in for the broker making it visible once its delay elapses.
func (f *fakeBroker) releaseDelayed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.delayed {
		f.queues[d.task.Priority] = append(f.queues[d.task.Priority], d.task)
	}
	f.delayed = nil
}

type noopInjector struct{}

func (noopInjector) Prepare(ctx context.Context, task domain.Task) (domain.InjectionContext, error) {
	return domain.InjectionContext{Task: task}, nil
}
func (noopInjector) ReportOutcome(ctx context.Context, injCtx domain.InjectionContext, success bool, responseTime time.Duration) error {
	return nil
}
func (noopInjector) CleanupExpired(ctx context.Context) {}

type fakeRegistry struct {
	h domain.Handler
}

func (r fakeRegistry) Register(string, domain.Handler)           {}
func (r fakeRegistry) Lookup(string) (domain.Handler, bool)      { return nil, false }
func (r fakeRegistry) Default() (domain.Handler, bool)           { return r.h, r.h != nil }
func (r fakeRegistry) SetDefault(domain.Handler)                 {}

func testWorkerConfig() domain.WorkerConfig {
	return domain.WorkerConfig{
		WorkerID:             "w1",
		MaxConcurrentTasks:   5,
		TaskTimeout:          200 * time.Millisecond,
		SupportedTaskTypes:   []string{"1m_realtime"},
		SupportedMarkets:     []string{"CN", "US"},
		QueuePriorities:      []domain.Priority{domain.PriorityHigh},
		DequeueBlockTimeout:  10 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		DeadlineScanInterval: 20 * time.Millisecond,
	}
}

func sampleTask(id string, maxRetries int) domain.Task {
	return domain.Task{
		TaskID:     id,
		TaskType:   "1m_realtime",
		Market:     "CN",
		Symbol:     "600000",
		Priority:   domain.PriorityHigh,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
	}
}

func Test_HappyPath_DispatchesAndPublishesSuccess(t *testing.T) {
	broker := newFakeBroker()
	handler := domain.Handler(func(ctx context.Context, task domain.Task, injCtx domain.InjectionContext) (bool, string) {
		return true, ""
	})
	c := New(testWorkerConfig(), domain.DefaultRetryConfig(), broker, noopInjector{}, fakeRegistry{h: handler})

	task := sampleTask("T1", 3)
	_ = broker.Enqueue(context.Background(), task, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(broker.statusesFor("T1")) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	statuses := broker.statusesFor("T1")
	if len(statuses) < 2 || statuses[0] != domain.StatusRunning || statuses[len(statuses)-1] != domain.StatusSuccess {
		t.Fatalf("expected RUNNING then SUCCESS, got %v", statuses)
	}
	if c.Stats().Successful != 1 {
		t.Fatalf("expected successful=1, got %d", c.Stats().Successful)
	}
}

func Test_FilterReject_DowngradesToLowAndDoesNotDispatch(t *testing.T) {
	broker := newFakeBroker()
	c := New(testWorkerConfig(), domain.DefaultRetryConfig(), broker, noopInjector{}, fakeRegistry{})

	task := sampleTask("T2", 3)
	task.Market = "JP" // not in SupportedMarkets
	task.Priority = domain.PriorityHigh
	_ = broker.Enqueue(context.Background(), task, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		broker.mu.Lock()
		n := len(broker.delayed)
		broker.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.delayed) != 1 {
		t.Fatalf("expected one delayed re-enqueue, got %d", len(broker.delayed))
	}
	if broker.delayed[0].task.Priority != domain.PriorityLow {
		t.Fatalf("expected downgrade to LOW, got %v", broker.delayed[0].task.Priority)
	}
	if broker.delayed[0].delay != 60*time.Second {
		t.Fatalf("expected 60s filter-reject delay, got %v", broker.delayed[0].delay)
	}
	if len(broker.statusesFor("T2")) != 0 {
		t.Fatalf("expected no status events for a filter-rejected task")
	}
}

func Test_HandlerFailure_RetriesWithBackoffThenFails(t *testing.T) {
	broker := newFakeBroker()
	handler := domain.Handler(func(ctx context.Context, task domain.Task, injCtx domain.InjectionContext) (bool, string) {
		return false, "boom"
	})
	cfg := testWorkerConfig()
	c := New(cfg, domain.DefaultRetryConfig(), broker, noopInjector{}, fakeRegistry{h: handler})

	task := sampleTask("T3", 1)
	_ = broker.Enqueue(context.Background(), task, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		statuses := broker.statusesFor("T3")
		if len(statuses) > 0 && statuses[len(statuses)-1] == domain.StatusFailed {
			break
		}
		broker.releaseDelayed()
		time.Sleep(5 * time.Millisecond)
	}

	statuses := broker.statusesFor("T3")
	if len(statuses) < 2 {
		t.Fatalf("expected RUNNING, RETRY, ..., FAILED; got %v", statuses)
	}
	if statuses[len(statuses)-1] != domain.StatusFailed {
		t.Fatalf("expected terminal FAILED after retry budget exhausted, got %v", statuses)
	}
	if c.Stats().Failed != 1 {
		t.Fatalf("expected failed=1, got %d", c.Stats().Failed)
	}
}

func Test_Timeout_RetriesWithFixedDelayThenTimesOut(t *testing.T) {
	broker := newFakeBroker()
	handler := domain.Handler(func(ctx context.Context, task domain.Task, injCtx domain.InjectionContext) (bool, string) {
		<-ctx.Done()
		return false, "deadline_exceeded"
	})
	cfg := testWorkerConfig()
	cfg.TaskTimeout = 30 * time.Millisecond
	c := New(cfg, domain.DefaultRetryConfig(), broker, noopInjector{}, fakeRegistry{h: handler})

	task := sampleTask("T4", 1)
	_ = broker.Enqueue(context.Background(), task, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		statuses := broker.statusesFor("T4")
		if len(statuses) > 0 && statuses[len(statuses)-1] == domain.StatusTimeout {
			break
		}
		broker.releaseDelayed()
		time.Sleep(5 * time.Millisecond)
	}

	statuses := broker.statusesFor("T4")
	if len(statuses) == 0 || statuses[len(statuses)-1] != domain.StatusTimeout {
		t.Fatalf("expected terminal TIMEOUT once the retry budget is spent, got %v", statuses)
	}
	sawRetry := false
	for _, s := range statuses {
		if s == domain.StatusRetry {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Fatalf("expected a RETRY before the terminal TIMEOUT, got %v", statuses)
	}
	if c.Stats().Timeout != 2 {
		t.Fatalf("expected timeout=2 (retried timeout plus terminal timeout), got %d", c.Stats().Timeout)
	}
}

func Test_ConcurrencyCap_NeverExceedsMaxConcurrentTasks(t *testing.T) {
	broker := newFakeBroker()
	release := make(chan struct{})
	var mu sync.Mutex
	maxObserved := 0
	inflight := 0
	handler := domain.Handler(func(ctx context.Context, task domain.Task, injCtx domain.InjectionContext) (bool, string) {
		mu.Lock()
		inflight++
		if inflight > maxObserved {
			maxObserved = inflight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inflight--
		mu.Unlock()
		return true, ""
	})
	cfg := testWorkerConfig()
	cfg.MaxConcurrentTasks = 2
	cfg.TaskTimeout = time.Second
	c := New(cfg, domain.DefaultRetryConfig(), broker, noopInjector{}, fakeRegistry{h: handler})

	for i := 0; i < 5; i++ {
		_ = broker.Enqueue(context.Background(), sampleTask(string(rune('A'+i)), 0), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	close(release)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if maxObserved > cfg.MaxConcurrentTasks {
		t.Fatalf("expected at most %d concurrent dispatches, observed %d", cfg.MaxConcurrentTasks, maxObserved)
	}
}
