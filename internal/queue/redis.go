package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/internal/repository"
)

const seqKey = "queue:seq"

// RedisQueue implements Queue on Redis sorted sets, one set per
// (tenant, kind). The member score encodes priority first and arrival
// order second, so ZPOPMAX yields highest priority, FIFO within a
// priority. The round-robin cursor is process local; fairness holds per
// worker process, which is enough to keep any tenant from starving.
type RedisQueue struct {
	client *redis.Client

	mu      sync.Mutex
	cursors map[repository.JobKind]int
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:  client,
		cursors: make(map[repository.JobKind]int),
	}
}

func queueKey(tenantID uuid.UUID, kind repository.JobKind) string {
	return fmt.Sprintf("queue:%s:%s", tenantID, kind)
}

// Enqueue adds a message to its tenant's sorted set.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	seq, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to increment sequence: %w", err)
	}

	// Subtracting a tiny sequence term makes earlier arrivals score
	// higher within the same priority.
	score := msg.Priority - float64(seq)/1e12

	err = q.client.ZAdd(ctx, queueKey(msg.TenantID, msg.Kind), redis.Z{
		Score:  score,
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	return nil
}

// Dequeue pops from the next non-empty tenant queue in round-robin order.
func (q *RedisQueue) Dequeue(ctx context.Context, kind repository.JobKind) (*Message, error) {
	keys, err := q.tenantKeys(ctx, kind)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	start := q.cursors[kind] % len(keys)
	q.mu.Unlock()

	for i := 0; i < len(keys); i++ {
		idx := (start + i) % len(keys)
		msg, err := q.pop(ctx, keys[idx])
		if err != nil {
			return nil, err
		}
		if msg != nil {
			q.mu.Lock()
			q.cursors[kind] = idx + 1
			q.mu.Unlock()
			return msg, nil
		}
	}

	return nil, nil
}

// DequeueFrom pops from one specific tenant's queue.
func (q *RedisQueue) DequeueFrom(ctx context.Context, tenantID uuid.UUID, kind repository.JobKind) (*Message, error) {
	return q.pop(ctx, queueKey(tenantID, kind))
}

func (q *RedisQueue) pop(ctx context.Context, key string) (*Message, error) {
	entries, err := q.client.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", key, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	member, ok := entries[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T in %s", entries[0].Member, key)
	}

	var msg Message
	if err := json.Unmarshal([]byte(member), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message from %s: %w", key, err)
	}
	return &msg, nil
}

// Size counts queued messages for a tenant, or all tenants with uuid.Nil.
func (q *RedisQueue) Size(ctx context.Context, tenantID uuid.UUID, kind repository.JobKind) (int, error) {
	if tenantID != uuid.Nil {
		n, err := q.client.ZCard(ctx, queueKey(tenantID, kind)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count queue: %w", err)
		}
		return int(n), nil
	}

	keys, err := q.tenantKeys(ctx, kind)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, key := range keys {
		n, err := q.client.ZCard(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count queue: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// Clear drops a tenant's queue for the kind.
func (q *RedisQueue) Clear(ctx context.Context, tenantID uuid.UUID, kind repository.JobKind) (int, error) {
	key := queueKey(tenantID, kind)
	n, err := q.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	if err := q.client.Del(ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return int(n), nil
}

// tenantKeys lists the per-tenant queue keys for a kind, sorted so every
// process walks tenants in the same order.
func (q *RedisQueue) tenantKeys(ctx context.Context, kind repository.JobKind) ([]string, error) {
	pattern := fmt.Sprintf("queue:*:%s", kind)
	keys, err := q.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	// Keep only queue:{tenant}:{kind} keys
	filtered := keys[:0]
	for _, k := range keys {
		if strings.Count(k, ":") == 2 {
			filtered = append(filtered, k)
		}
	}
	sort.Strings(filtered)
	return filtered, nil
}

// Ensure RedisQueue implements Queue
var _ Queue = (*RedisQueue)(nil)
