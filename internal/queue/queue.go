// Package queue buffers usage submissions between the probe scheduler and
// the ingestion pipeline. Two backends are provided:
//
//  1. Memory queue (channel-based): no persistence, no external
//     dependencies; the default for single-node deployments.
//  2. Redis queue (list-based): survives restarts and supports running the
//     prober and the ingest worker in separate processes.
//
// Submissions that keep failing ingestion are parked in a dead-letter queue
// instead of being retried forever.
package queue

import (
	"context"
	"time"

	"costguardian/internal/models"
)

// Queue buffers usage submissions for asynchronous ingestion.
type Queue interface {
	// Enqueue adds a submission to the queue.
	Enqueue(ctx context.Context, sub models.UsageSubmission) error

	// DequeueWithTimeout retrieves up to maxItems submissions, waiting at
	// most timeout for the first one. An empty slice means the timeout
	// elapsed with nothing queued.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]models.UsageSubmission, error)

	// Length returns the current queue length.
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue.
	Close() error
}

// DeadLetterItem is a submission that exhausted its retries.
type DeadLetterItem struct {
	ID         string                 `json:"id"`
	Submission models.UsageSubmission `json:"submission"`
	Error      string                 `json:"error"`
	Timestamp  time.Time              `json:"timestamp"`
}

// DeadLetterQueue holds submissions that could not be ingested.
type DeadLetterQueue interface {
	Add(ctx context.Context, sub models.UsageSubmission, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)
	Close() error
}

// Config holds queue configuration.
type Config struct {
	// BatchSize is the maximum number of submissions per worker batch.
	BatchSize int

	// BatchTimeout is how long the worker waits for a partial batch.
	BatchTimeout time.Duration

	// MaxRetries is how many times a failed submission is re-attempted
	// before it is dead-lettered.
	MaxRetries int

	// RetryBackoff is the fixed pause between attempts.
	RetryBackoff time.Duration

	// UseRedis selects the Redis backend.
	UseRedis      bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QueueName is the name/key for the queue.
	QueueName string
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    50,
		BatchTimeout: 2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
		QueueName:    queueName,
	}
}
