package queue

import (
	"context"
	"sync"
	"time"

	"costguardian/internal/models"
)

// MemoryQueue implements Queue using a buffered channel.
type MemoryQueue struct {
	items  chan models.UsageSubmission
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}
	return &MemoryQueue{
		// Buffer for 10 batches
		items: make(chan models.UsageSubmission, config.BatchSize*10),
	}
}

// Enqueue adds a submission to the queue. It fails fast when the buffer is
// full rather than blocking the producer.
func (q *MemoryQueue) Enqueue(ctx context.Context, sub models.UsageSubmission) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// DequeueWithTimeout retrieves up to maxItems submissions, waiting at most
// timeout for the first one.
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]models.UsageSubmission, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var items []models.UsageSubmission
	deadline := time.After(timeout)

	select {
	case sub := <-q.items:
		items = append(items, sub)
	case <-deadline:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Drain more without blocking.
	for len(items) < maxItems {
		select {
		case sub := <-q.items:
			items = append(items, sub)
		default:
			return items, nil
		}
	}

	return items, nil
}

// Length returns the current queue length.
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

// Close shuts down the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.items)
	return nil
}

// MemoryDeadLetterQueue keeps dead-lettered submissions in memory.
type MemoryDeadLetterQueue struct {
	mu     sync.RWMutex
	items  []DeadLetterItem
	closed bool
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue.
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{items: make([]DeadLetterItem, 0)}
}

// Add parks a failed submission together with its last error.
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, sub models.UsageSubmission, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, DeadLetterItem{
		ID:         time.Now().Format("20060102150405.000000"),
		Submission: sub,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})
	return nil
}

// List returns up to maxItems dead-lettered submissions.
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if maxItems <= 0 || maxItems > len(q.items) {
		maxItems = len(q.items)
	}
	result := make([]DeadLetterItem, maxItems)
	copy(result, q.items[:maxItems])
	return result, nil
}

// Close shuts down the dead letter queue.
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}
