package autoscaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/config"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

type fakeBroker struct {
	depths map[string]int64
}

func (f *fakeBroker) Enqueue(ctx context.Context, task domain.Task, delay time.Duration) error { return nil }
func (f *fakeBroker) Dequeue(ctx context.Context, priority domain.Priority, blockTimeout time.Duration) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeBroker) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, details map[string]interface{}) error {
	return nil
}
func (f *fakeBroker) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (f *fakeBroker) CacheGet(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (f *fakeBroker) CacheDelete(ctx context.Context, key string) error              { return nil }
func (f *fakeBroker) QueueDepth(ctx context.Context, queueName string) (int64, error) {
	return f.depths[queueName], nil
}
func (f *fakeBroker) Close() error { return nil }

type fakeOrchestrator struct {
	mu       sync.Mutex
	replicas map[string]int32
	patches  []struct {
		name     string
		replicas int32
	}
}

func newFakeOrchestrator(replicas int32) *fakeOrchestrator {
	return &fakeOrchestrator{replicas: map[string]int32{"saturn-crawler-high": replicas}}
}

func (o *fakeOrchestrator) ReadDeployment(ctx context.Context, name, namespace string) (int32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replicas[name], nil
}

func (o *fakeOrchestrator) PatchDeploymentReplicas(ctx context.Context, name, namespace string, replicas int32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replicas[name] = replicas
	o.patches = append(o.patches, struct {
		name     string
		replicas int32
	}{name, replicas})
	return nil
}

func testDeployment() config.DeploymentConfig {
	return config.DeploymentConfig{
		Name:               "saturn-crawler-high",
		Namespace:          "default",
		QueueNames:         []string{"crawler_tasks:HIGH"},
		MinReplicas:        2,
		MaxReplicas:        10,
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 10,
	}
}

// Test_ScaleUp_Scenario6 mirrors spec.md §8 scenario 6: depth 160,
// current 3 → target min(10, 3+min(ceil(160/50)=4,3)) = 6.
func Test_ScaleUp_Scenario6(t *testing.T) {
	broker := &fakeBroker{depths: map[string]int64{"crawler_tasks:HIGH": 160}}
	orch := newFakeOrchestrator(3)
	a := New(broker, orch, []config.DeploymentConfig{testDeployment()}, 2*time.Minute)

	decisions := a.Tick(context.Background())
	if len(decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(decisions))
	}
	d := decisions[0]
	if d.Action != ActionScaleUp || d.Target != 6 {
		t.Fatalf("expected SCALE_UP to 6, got %v target=%d", d.Action, d.Target)
	}

	// An immediate second tick, still inside the 2-minute cooldown, with
	// depth still 160 must NOT scale again.
	decisions = a.Tick(context.Background())
	if decisions[0].Action != ActionNoAction {
		t.Fatalf("expected NO_ACTION during cooldown, got %v", decisions[0].Action)
	}
	if orch.replicas["saturn-crawler-high"] != 6 {
		t.Fatalf("expected replicas to remain 6 during cooldown, got %d", orch.replicas["saturn-crawler-high"])
	}
}

func Test_ScaleDown_RespectsMinReplicas(t *testing.T) {
	broker := &fakeBroker{depths: map[string]int64{"crawler_tasks:HIGH": 0}}
	orch := newFakeOrchestrator(2) // already at min
	a := New(broker, orch, []config.DeploymentConfig{testDeployment()}, 2*time.Minute)

	decisions := a.Tick(context.Background())
	if decisions[0].Action != ActionNoAction {
		t.Fatalf("expected NO_ACTION at min_replicas floor, got %v", decisions[0].Action)
	}
}

func Test_Decide_NeverExceedsMaxReplicas(t *testing.T) {
	dep := testDeployment()
	action, target := decide(dep, 100000, 9)
	if action != ActionScaleUp || target != 10 {
		t.Fatalf("expected clamp to max_replicas=10, got action=%v target=%d", action, target)
	}
}

func Test_ManualScale_ValidatesBounds(t *testing.T) {
	broker := &fakeBroker{}
	orch := newFakeOrchestrator(5)
	a := New(broker, orch, []config.DeploymentConfig{testDeployment()}, time.Minute)

	if err := a.ManualScale(context.Background(), "saturn-crawler-high", 99, "incident"); err == nil {
		t.Fatalf("expected out-of-bounds manual scale to error")
	}
	if err := a.ManualScale(context.Background(), "saturn-crawler-high", 4, "incident"); err != nil {
		t.Fatalf("manual scale: %v", err)
	}
	if orch.replicas["saturn-crawler-high"] != 4 {
		t.Fatalf("expected replicas=4 after manual scale, got %d", orch.replicas["saturn-crawler-high"])
	}

	// Cooldown recorded by manual scale too.
	decisions := a.Tick(context.Background())
	if decisions[0].OnCooldown != true {
		t.Fatalf("expected manual scale to set cooldown for subsequent ticks")
	}
}
