package redisbroker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// delayedEntry is the ZSET member shape: the priority the task belongs
// to, plus its serialized form, so the pump can push it to the right
// queue without re-decoding the full Task.
type delayedEntry struct {
	Priority domain.Priority `json:"priority"`
	TaskJSON json.RawMessage `json:"task_json"`
}

// delayedPump periodically moves due delayed tasks from the ZSET into
// their priority queue. Spec.md §5/§9 treat this as optional backend
// behavior; here it is a fixed-interval pump owned by the gateway, not
// the consumer.
type delayedPump struct {
	client   *redis.Client
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func newDelayedPump(client *redis.Client, interval time.Duration) *delayedPump {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &delayedPump{client: client, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

func (p *delayedPump) Start() {
	go p.run()
}

func (p *delayedPump) Stop() {
	close(p.stop)
	<-p.done
}

func (p *delayedPump) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *delayedPump) tick() {
	ctx := context.Background()
	max := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := p.client.ZRangeByScore(ctx, delayedZSetKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		slog.Warn("delayed pump scan failed", slog.Any("error", err))
		return
	}
	for _, m := range members {
		// ZREM first: if another worker's pump already claimed this
		// member, removed == 0 and we skip the push (avoids duplicates
		// beyond the protocol's normal at-least-once allowance).
		removed, err := p.client.ZRem(ctx, delayedZSetKey, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		var entry delayedEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			slog.Warn("delayed pump: malformed entry dropped", slog.Any("error", err))
			continue
		}
		if err := p.client.RPush(ctx, queueKey(entry.Priority), []byte(entry.TaskJSON)).Err(); err != nil {
			slog.Warn("delayed pump: push failed", slog.Any("error", err))
		}
	}
}
