package redisbroker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

func newTestGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewWithClient(client, 50*time.Millisecond)
	t.Cleanup(func() { _ = g.Close() })
	return g, mr
}

func sampleTask(id string, priority domain.Priority) domain.Task {
	return domain.Task{
		TaskID:     id,
		TaskType:   "1m_realtime",
		Market:     "CN",
		Symbol:     "600000",
		Priority:   priority,
		MaxRetries: 3,
		Payload:    json.RawMessage(`{}`),
		EnqueuedAt: time.Now(),
	}
}

func Test_EnqueueDequeue_RoundTrip(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	task := sampleTask("T1", domain.PriorityHigh)

	if err := g.Enqueue(ctx, task, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := g.Dequeue(ctx, domain.PriorityHigh, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.TaskID != "T1" {
		t.Fatalf("expected task T1, got %+v", got)
	}
}

func Test_Dequeue_EmptyReturnsNil(t *testing.T) {
	g, _ := newTestGateway(t)
	got, err := g.Dequeue(context.Background(), domain.PriorityLow, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil task on empty queue, got %+v", got)
	}
}

func Test_Dequeue_ExactPriorityIsolation(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	if err := g.Enqueue(ctx, sampleTask("T2", domain.PriorityLow), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := g.Dequeue(ctx, domain.PriorityHigh, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected HIGH queue to stay empty, got %+v", got)
	}
}

func Test_DelayedEnqueue_BecomesVisibleAfterDelay(t *testing.T) {
	g, mr := newTestGateway(t)
	ctx := context.Background()
	task := sampleTask("T3", domain.PriorityNormal)

	if err := g.Enqueue(ctx, task, 200*time.Millisecond); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := g.Dequeue(ctx, domain.PriorityNormal, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected task to stay hidden before delay elapses")
	}

	mr.FastForward(300 * time.Millisecond)
	time.Sleep(150 * time.Millisecond) // let the pump tick at least once

	got, err = g.Dequeue(ctx, domain.PriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if got == nil || got.TaskID != "T3" {
		t.Fatalf("expected T3 to become visible, got %+v", got)
	}
}

func Test_CacheSetGetDelete(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	if err := g.CacheSet(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := g.CacheGet(ctx, "k1")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("expected v1, got %q ok=%v err=%v", v, ok, err)
	}
	if err := g.CacheDelete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = g.CacheGet(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("expected miss after delete, ok=%v err=%v", ok, err)
	}
}

func Test_QueueDepth(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := g.Enqueue(ctx, sampleTask("T", domain.PriorityCritical), 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	depth, err := g.QueueDepth(ctx, QueueNameForPriority(domain.PriorityCritical))
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
}

func Test_UpdateTaskStatus_AppendsEvent(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	if err := g.UpdateTaskStatus(ctx, "T1", domain.StatusRunning, map[string]interface{}{"worker_id": "w1"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
}
