package ingest

import (
	"context"
	"time"

	"costguardian/internal/apperr"
	"costguardian/internal/logging"
	"costguardian/internal/models"
	"costguardian/internal/queue"
)

// Worker drains queued submissions (the probe path) through the pipeline in
// batches. Transient failures are retried a bounded number of times with a
// fixed backoff; submissions that keep failing are dead-lettered.
type Worker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	pipeline    *Pipeline
	config      *queue.Config
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates an ingest worker over the given queue.
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, pipeline *Pipeline, config *queue.Config) *Worker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}
	return &Worker{
		queue:       q,
		dlq:         dlq,
		pipeline:    pipeline,
		config:      config,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker after the in-flight batch.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.stoppedChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			logging.Infof("ingest worker stopping")
			return
		case <-ctx.Done():
			logging.Infof("ingest worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	subs, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() == nil {
			logging.Errorf("failed to dequeue submissions: %v", err)
			time.Sleep(time.Second) // back off on queue errors
		}
		return
	}

	for _, sub := range subs {
		w.processSubmission(ctx, sub)
	}
}

// processSubmission ingests one submission with bounded retries. Storage
// errors and rate limiting are transient and retried; other rejections
// cannot succeed on retry and a duplicate already is a terminal no-op.
func (w *Worker) processSubmission(ctx context.Context, sub models.UsageSubmission) {
	var lastErr error
	var delay time.Duration
	for attempt := 0; attempt < w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
		}

		result, err := w.pipeline.Ingest(ctx, sub)
		if err == nil {
			if result.Outcome == OutcomeDuplicate {
				logging.Debugf("queued submission was a duplicate identity=%s", sub.Identity)
			}
			return
		}
		lastErr = err

		switch {
		case apperr.IsKind(err, apperr.KindStorage):
			delay = w.config.RetryBackoff
			logging.Warningf("storage error ingesting queued submission (attempt %d/%d): %v",
				attempt+1, w.config.MaxRetries, err)
		case apperr.IsKind(err, apperr.KindRateLimited):
			// Rate limiting passes once the bucket refills; wait the
			// advertised delay instead of dead-lettering a valid fact.
			delay = w.config.RetryBackoff
			if ra, ok := apperr.RetryAfterOf(err); ok && ra > delay {
				delay = ra
			}
			logging.Warningf("rate limited queued submission identity=%s (attempt %d/%d), retrying in %s",
				sub.Identity, attempt+1, w.config.MaxRetries, delay)
		default:
			logging.Warningf("dropping rejected queued submission identity=%s: %v", sub.Identity, err)
			w.deadLetter(ctx, sub, err)
			return
		}
	}

	logging.Errorf("giving up on queued submission identity=%s after %d attempts: %v",
		sub.Identity, w.config.MaxRetries, lastErr)
	w.deadLetter(ctx, sub, lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, sub models.UsageSubmission, cause error) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Add(ctx, sub, cause); err != nil {
		logging.Errorf("failed to dead-letter submission: %v", err)
	}
}
