// Package redisbroker implements the Broker Gateway (spec.md §4.1) atop
// Redis: RPUSH plus BLPOP (FIFO) per priority queue, SET/GET/DEL with TTL
// for the opaque cache, LLEN for non-blocking depth reads, and a ZSET
// holding delayed tasks drained by a background pump.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

const delayedZSetKey = "crawler_tasks:delayed"

func queueKey(priority domain.Priority) string {
	return "crawler_tasks:" + string(priority)
}

func statusKey(taskID string) string {
	return "crawler_status:" + taskID
}

// Gateway is the Redis-backed Broker Gateway adapter. It satisfies
// domain.Broker.
type Gateway struct {
	client   *redis.Client
	validate *validator.Validate
	pump     *delayedPump
}

// New constructs a Gateway from a redis:// URL and starts the delayed-task
// pump goroutine (spec.md §5, §9: visibility of delayed items is a
// backend responsibility).
func New(redisURL string, pumpInterval time.Duration) (*Gateway, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=broker.New: %w", err)
	}
	client := redis.NewClient(opt)
	g := &Gateway{client: client, validate: validator.New()}
	g.pump = newDelayedPump(client, pumpInterval)
	g.pump.Start()
	return g, nil
}

// NewWithClient wraps an already-constructed redis.Client, useful for
// tests against miniredis or testcontainers.
func NewWithClient(client *redis.Client, pumpInterval time.Duration) *Gateway {
	g := &Gateway{client: client, validate: validator.New()}
	g.pump = newDelayedPump(client, pumpInterval)
	g.pump.Start()
	return g
}

// Enqueue publishes a task to its priority queue, or to the delayed ZSET
// when delay > 0.
func (g *Gateway) Enqueue(ctx context.Context, task domain.Task, delay time.Duration) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=broker.Enqueue: marshal: %w", err)
	}
	if delay <= 0 {
		if err := g.client.RPush(ctx, queueKey(task.Priority), b).Err(); err != nil {
			return fmt.Errorf("op=broker.Enqueue: %w", err)
		}
		return nil
	}
	entry := delayedEntry{Priority: task.Priority, TaskJSON: b}
	eb, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=broker.Enqueue: marshal delayed: %w", err)
	}
	dueAt := time.Now().Add(delay).Unix()
	if err := g.client.ZAdd(ctx, delayedZSetKey, redis.Z{Score: float64(dueAt), Member: eb}).Err(); err != nil {
		return fmt.Errorf("op=broker.Enqueue: delayed: %w", err)
	}
	return nil
}

// Dequeue blocks up to blockTimeout waiting for a task at the exact
// priority; returns nil, nil on empty.
func (g *Gateway) Dequeue(ctx context.Context, priority domain.Priority, blockTimeout time.Duration) (*domain.Task, error) {
	res, err := g.client.BLPop(ctx, blockTimeout, queueKey(priority)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=broker.Dequeue: %w", err)
	}
	// res[0] is the key, res[1] is the value.
	var task domain.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("op=broker.Dequeue: unmarshal: %w", err)
	}
	if err := g.validate.Struct(task); err != nil {
		return nil, fmt.Errorf("op=broker.Dequeue: %w: %w", domain.ErrSchemaInvalid, err)
	}
	return &task, nil
}

// UpdateTaskStatus appends a status event to the task's append-only log.
func (g *Gateway) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, details map[string]interface{}) error {
	ev := domain.StatusEvent{TaskID: taskID, Status: status, Details: details, TS: time.Now()}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=broker.UpdateTaskStatus: marshal: %w", err)
	}
	key := statusKey(taskID)
	pipe := g.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("status write failed, best-effort", slog.String("task_id", taskID), slog.Any("error", err))
		return fmt.Errorf("op=broker.UpdateTaskStatus: %w", err)
	}
	return nil
}

// CacheSet stores an opaque value with a TTL.
func (g *Gateway) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := g.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=broker.CacheSet: %w", err)
	}
	return nil
}

// CacheGet retrieves an opaque value; ok is false on a cache miss.
func (g *Gateway) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := g.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=broker.CacheGet: %w", err)
	}
	return b, true, nil
}

// CacheDelete removes a cache entry.
func (g *Gateway) CacheDelete(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=broker.CacheDelete: %w", err)
	}
	return nil
}

// QueueDepth is a non-blocking length read used by the Autoscaler.
func (g *Gateway) QueueDepth(ctx context.Context, queueName string) (int64, error) {
	n, err := g.client.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("op=broker.QueueDepth: %w", err)
	}
	return n, nil
}

// Ping satisfies app.Pinger for readiness checks.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close stops the delayed pump and closes the Redis connection.
func (g *Gateway) Close() error {
	g.pump.Stop()
	return g.client.Close()
}

// QueueNameForPriority exposes the priority→queue-name mapping so the
// Autoscaler can resolve its static queue_names table to real keys.
func QueueNameForPriority(p domain.Priority) string { return queueKey(p) }
