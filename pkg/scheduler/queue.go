package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "builds:queue"

// Queue is the redis-backed work queue between the API accepting builds and
// the workers processing them. Build state lives in the store; the queue only
// carries build IDs.
type Queue struct {
	redis *redis.Client
}

func NewQueue(redisURL string) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{redis: client}, nil
}

// Enqueue appends a build ID to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, buildID string) error {
	return q.redis.RPush(ctx, queueKey, buildID).Err()
}

// Dequeue blocks up to five seconds for the next build ID. An empty string
// means the queue was empty; callers poll again.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	result, err := q.redis.BLPop(ctx, 5*time.Second, queueKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return result[1], nil
}

// Length reports how many builds are waiting.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, queueKey).Result()
}

func (q *Queue) Close() error {
	return q.redis.Close()
}
