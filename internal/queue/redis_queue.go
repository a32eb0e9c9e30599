package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"accessbridge/internal/config"
	"accessbridge/internal/faults"
	"accessbridge/internal/models"
)

// WorkQueue is a durable Redis list per execution domain. Delivery is
// at-least-once: a message can be redelivered after a crash between dequeue
// and processing, and the queue never deduplicates. The job-store admission
// guard is what keeps duplicates harmless.
type WorkQueue struct {
	client *redis.Client
}

// NewWorkQueue builds a queue client from config.
func NewWorkQueue(cfg config.Config) *WorkQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &WorkQueue{client: client}
}

// NewWorkQueueWithClient wraps an existing client, for tests.
func NewWorkQueueWithClient(client *redis.Client) *WorkQueue {
	return &WorkQueue{client: client}
}

// Key returns the work-queue list name for a domain.
func Key(domain string) string {
	return fmt.Sprintf("queue:%s", domain)
}

// DLQKey returns the dead-letter list name for a domain.
func DLQKey(domain string) string {
	return fmt.Sprintf("queue:%s_error", domain)
}

// Enqueue pushes a fresh submission to the tail of the domain queue.
func (q *WorkQueue) Enqueue(ctx context.Context, domain string, msg models.QueueMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := q.client.RPush(ctx, Key(domain), payload).Err(); err != nil {
		return faults.Wrap(faults.QueueConnectivity, "rpush", err)
	}
	return nil
}

// EnqueueRetry replays a payload verbatim at the head of the domain queue,
// so retried work runs ahead of fresh arrivals.
func (q *WorkQueue) EnqueueRetry(ctx context.Context, domain string, payload []byte) error {
	if err := q.client.LPush(ctx, Key(domain), payload).Err(); err != nil {
		return faults.Wrap(faults.QueueConnectivity, "lpush", err)
	}
	return nil
}

// DequeueBlocking pops the next payload from the head of the domain queue,
// blocking up to timeout. A zero timeout blocks indefinitely. Returns nil
// with no error when the timeout elapses.
func (q *WorkQueue) DequeueBlocking(ctx context.Context, domain string, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BLPop(ctx, timeout, Key(domain)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.QueueConnectivity, "blpop", err)
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// DeadLetter routes a payload to the domain's dead-letter queue for manual
// inspection. Nothing reads it back automatically.
func (q *WorkQueue) DeadLetter(ctx context.Context, domain string, payload []byte) error {
	if err := q.client.RPush(ctx, DLQKey(domain), payload).Err(); err != nil {
		return faults.Wrap(faults.QueueConnectivity, "dlq rpush", err)
	}
	return nil
}

// DLQPeek reads up to count dead-lettered payloads without removing them.
func (q *WorkQueue) DLQPeek(ctx context.Context, domain string, count int64) ([]string, error) {
	items, err := q.client.LRange(ctx, DLQKey(domain), 0, count-1).Result()
	if err != nil {
		return nil, faults.Wrap(faults.QueueConnectivity, "dlq lrange", err)
	}
	return items, nil
}

// Depth returns the length of the domain queue.
func (q *WorkQueue) Depth(ctx context.Context, domain string) (int64, error) {
	n, err := q.client.LLen(ctx, Key(domain)).Result()
	if err != nil {
		return 0, faults.Wrap(faults.QueueConnectivity, "llen", err)
	}
	return n, nil
}

// DLQDepth returns the length of the domain's dead-letter queue.
func (q *WorkQueue) DLQDepth(ctx context.Context, domain string) (int64, error) {
	n, err := q.client.LLen(ctx, DLQKey(domain)).Result()
	if err != nil {
		return 0, faults.Wrap(faults.QueueConnectivity, "dlq llen", err)
	}
	return n, nil
}

// Ping verifies connectivity, for readiness probes.
func (q *WorkQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return faults.Wrap(faults.QueueConnectivity, "ping", err)
	}
	return nil
}

func (q *WorkQueue) Close() error {
	return q.client.Close()
}
