package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"portal-runner/internal/config"
)

// RedisQueue coordinates the ready and in-flight operation queues in Redis.
// Every dequeue takes a lease; a worker that dies mid-operation has its lease
// reclaimed by RequeueExpired so the job is not lost.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "ops:ready",
		inflightKey:   "ops:inflight",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

// NewRedisQueueWithClient is used by tests to plug in a miniredis-backed client.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration, dlqKey string) *RedisQueue {
	return &RedisQueue{
		client:        client,
		readyKey:      "ops:ready",
		inflightKey:   "ops:inflight",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

// Enqueue appends an operation id to the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, operationID string) error {
	return q.client.RPush(ctx, q.readyKey, operationID).Err()
}

// DequeueWithLease pops one operation id and places it into the in-flight set
// with a visibility deadline. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight
// operation. Long portal interactions call this before slow steps.
func (q *RedisQueue) ExtendLease(ctx context.Context, operationID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: operationID,
	}).Err()
}

// Ack removes an operation from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, operationID string) error {
	return q.client.ZRem(ctx, q.inflightKey, operationID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes an operation from both the ready and in-flight queues.
func (q *RedisQueue) Cancel(ctx context.Context, operationID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, operationID)
	pipe.ZRem(ctx, q.inflightKey, operationID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, operationID string) error {
	return q.client.RPush(ctx, q.dlqKey, operationID).Err()
}

// DLQPeek reads the latest dead-lettered operation ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
