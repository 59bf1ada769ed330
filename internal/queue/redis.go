package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"costguardian/internal/models"
)

// RedisQueue implements Queue using a Redis list.
type RedisQueue struct {
	client *redis.Client
	qKey   string
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(config *Config) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// Enqueue adds a submission to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, sub models.UsageSubmission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// DequeueWithTimeout retrieves up to maxItems submissions, blocking at most
// timeout for the first one.
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]models.UsageSubmission, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if err == redis.Nil {
		return []models.UsageSubmission{}, nil // timeout, nothing queued
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	items, err := appendSubmission(nil, result[1])
	if err != nil {
		return nil, err
	}

	// Drain more without blocking.
	for len(items) < maxItems {
		raw, err := q.client.LPop(ctx, q.qKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return items, nil // return what we have so far
		}
		items, err = appendSubmission(items, raw)
		if err != nil {
			return nil, err
		}
	}

	return items, nil
}

// Length returns the current queue length.
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func appendSubmission(items []models.UsageSubmission, raw string) ([]models.UsageSubmission, error) {
	var sub models.UsageSubmission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return items, fmt.Errorf("failed to unmarshal submission: %w", err)
	}
	return append(items, sub), nil
}

// RedisDeadLetterQueue parks failed submissions in a Redis list so they
// survive restarts alongside the main queue.
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue.
func NewRedisDeadLetterQueue(config *Config) (*RedisDeadLetterQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("queue:%s:dead", config.QueueName),
	}, nil
}

// Add parks a failed submission together with its last error.
func (q *RedisDeadLetterQueue) Add(ctx context.Context, sub models.UsageSubmission, cause error) error {
	item := DeadLetterItem{
		ID:         time.Now().Format("20060102150405.000000"),
		Submission: sub,
		Error:      cause.Error(),
		Timestamp:  time.Now(),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", err)
	}
	if err := q.client.RPush(ctx, q.dlKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter item: %w", err)
	}
	return nil
}

// List returns up to maxItems dead-lettered submissions.
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	end := int64(-1) // whole list in LRANGE terms
	if maxItems > 0 {
		end = int64(maxItems) - 1
	}

	raws, err := q.client.LRange(ctx, q.dlKey, 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(raws))
	for _, raw := range raws {
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Close shuts down the dead letter queue.
func (q *RedisDeadLetterQueue) Close() error {
	return q.client.Close()
}
