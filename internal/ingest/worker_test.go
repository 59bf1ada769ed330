package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costguardian/internal/apperr"
	"costguardian/internal/queue"
	"costguardian/internal/ratelimit"
)

func newWorkerConfig() *queue.Config {
	config := queue.DefaultConfig("usage-test")
	config.BatchTimeout = 20 * time.Millisecond
	config.RetryBackoff = time.Millisecond
	return config
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorker_IngestsQueuedSubmissions(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())
	config := newWorkerConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()

	worker := NewWorker(q, dlq, f.pipeline, config)
	worker.Start(context.Background())
	defer worker.Stop()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, validSubmission("cred-1")))

	waitFor(t, func() bool { return f.registry.Snapshot().Admitted == 1 })

	dead, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestWorker_RejectionsAreNotRetried(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())
	config := newWorkerConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()

	worker := NewWorker(q, dlq, f.pipeline, config)
	worker.Start(context.Background())
	defer worker.Stop()

	ctx := context.Background()
	sub := validSubmission("cred-1")
	sub.Model = "not-a-model"
	require.NoError(t, q.Enqueue(ctx, sub))

	var dead []queue.DeadLetterItem
	waitFor(t, func() bool {
		var err error
		dead, err = dlq.List(ctx, 0)
		require.NoError(t, err)
		return len(dead) == 1
	})

	// Rejected exactly once; retrying an unpriced model cannot succeed.
	assert.Equal(t, int64(1), f.registry.Snapshot().Rejected)
	assert.Equal(t, "not-a-model", dead[0].Submission.Model)
}

func TestWorker_RateLimitedSubmissionsAreRetried(t *testing.T) {
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Config{RequestsPerMinute: 60, Burst: 1})
	f := newPipelineFixture(limiter)
	config := newWorkerConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()

	// Both submissions are queued up front so they land in one batch: the
	// second empties the bucket on its first attempt.
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, validSubmission("cred-1")))
	require.NoError(t, q.Enqueue(ctx, validSubmission("cred-1")))

	worker := NewWorker(q, dlq, f.pipeline, config)
	worker.Start(context.Background())
	defer worker.Stop()

	// The rate-limited submission is retried after the advertised delay
	// instead of being dead-lettered.
	waitFor(t, func() bool { return f.registry.Snapshot().Admitted == 2 })
	assert.GreaterOrEqual(t, f.registry.Snapshot().RateLimited, int64(1))

	dead, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestWorker_RetriesStorageErrorsThenDeadLetters(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())
	f.appender.err = apperr.Storage("store down", nil)

	config := newWorkerConfig()
	config.MaxRetries = 3
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()

	worker := NewWorker(q, dlq, f.pipeline, config)
	worker.Start(context.Background())
	defer worker.Stop()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, validSubmission("cred-1")))

	waitFor(t, func() bool {
		dead, err := dlq.List(ctx, 0)
		require.NoError(t, err)
		return len(dead) == 1
	})

	// One storage error per attempt.
	assert.Equal(t, int64(3), f.registry.Snapshot().StorageErrors)
}

func TestWorker_StopDrainsCleanly(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())
	config := newWorkerConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()

	worker := NewWorker(q, dlq, f.pipeline, config)
	worker.Start(context.Background())

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop in time")
	}
}
