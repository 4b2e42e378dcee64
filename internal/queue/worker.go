package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Handler runs one job. The context carries the job deadline; handlers
// observe cancellation at their own checkpoints.
type Handler func(ctx context.Context, job *Job) (map[string]interface{}, error)

// FailureHandler is invoked after a job of its type exhausts every
// retry and lands in the DLQ. The job carries the final error.
type FailureHandler func(ctx context.Context, job *Job)

const emptyPollInterval = time.Second

// Workers dequeues jobs and dispatches them to registered handlers,
// applying deadlines, retries with exponential backoff, and the DLQ.
type Workers struct {
	queue    *Queue
	count    int
	batch    int
	logger   *log.Logger
	handlers map[string]Handler
	failures map[string]FailureHandler

	// backoff is swappable so tests do not wait out real delays.
	backoff func(int) time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkers builds a pool of count workers fetching up to batch ids
// per poll.
func NewWorkers(q *Queue, count, batch int) *Workers {
	if count <= 0 {
		count = 1
	}
	if batch <= 0 {
		batch = 10
	}
	return &Workers{
		queue:    q,
		count:    count,
		batch:    batch,
		logger:   log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		handlers: make(map[string]Handler),
		failures: make(map[string]FailureHandler),
		backoff:  Backoff,
	}
}

// Register binds a handler to a job type. Registration happens before
// Start; there is no locking on the handler table afterwards.
func (w *Workers) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// OnFailure binds a callback fired when a job of the type is buried.
// Like Register it must be called before Start.
func (w *Workers) OnFailure(jobType string, h FailureHandler) {
	w.failures[jobType] = h
}

// Start launches the worker goroutines and the stuck-job recovery
// sweep. It returns immediately.
func (w *Workers) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.loop(ctx, n)
		}(i)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.recoveryLoop(ctx)
	}()

	w.logger.Printf("started %d workers (batch=%d)", w.count, w.batch)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (w *Workers) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Workers) loop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		ids, err := w.queue.claimBatch(ctx, w.batch)
		if err != nil {
			w.logger.Printf("worker %d fetch failed: %v", n, err)
			ids = nil
		}
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(emptyPollInterval):
			}
			continue
		}
		for _, id := range ids {
			w.process(ctx, id)
		}
	}
}

// process runs one claimed job through its handler and records the
// outcome.
func (w *Workers) process(ctx context.Context, id string) {
	job, err := w.queue.GetJob(ctx, id)
	if err != nil {
		w.logger.Printf("claimed job %s could not be loaded: %v", id, err)
		w.queue.release(ctx, id)
		return
	}

	// Cancelled while queued but after the claim won the race.
	if job.Status == JobCancelled {
		w.queue.release(ctx, id)
		return
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.failPermanently(ctx, job, fmt.Sprintf("no handler registered for type %q", job.Type))
		return
	}

	now := time.Now().UTC()
	job.Status = JobRunning
	job.StartedAt = &now
	if err := w.queue.saveJob(ctx, job); err != nil {
		w.logger.Printf("failed to mark %s running: %v", id, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
	result, err := handler(runCtx, job)
	cancel()

	switch {
	case err == nil:
		w.complete(ctx, job, result)
	case errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded:
		job.Error = "handler deadline exceeded"
		job.Status = JobTimeout
		w.retryOrBury(ctx, job)
	default:
		job.Error = err.Error()
		w.retryOrBury(ctx, job)
	}
}

func (w *Workers) complete(ctx context.Context, job *Job, result map[string]interface{}) {
	now := time.Now().UTC()
	job.Status = JobCompleted
	job.CompletedAt = &now
	job.Result = result
	job.Error = ""
	if err := w.queue.saveJob(ctx, job); err != nil {
		w.logger.Printf("failed to persist completion of %s: %v", job.ID, err)
	}
	w.queue.release(ctx, job.ID)
	if w.queue.metrics != nil {
		w.queue.metrics.JobsCompleted.WithLabelValues(job.Type, string(JobCompleted)).Inc()
	}
}

// retryOrBury increments the retry budget and re-enqueues after
// backoff, or moves the job to the DLQ when the budget is spent.
func (w *Workers) retryOrBury(ctx context.Context, job *Job) {
	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = JobRetrying
		if err := w.queue.saveJob(ctx, job); err != nil {
			w.logger.Printf("failed to persist retry of %s: %v", job.ID, err)
		}
		w.queue.release(ctx, job.ID)

		delay := w.backoff(job.RetryCount)
		w.logger.Printf("job %s retry %d/%d in %s", job.ID, job.RetryCount, job.MaxRetries, delay)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			job.Status = JobPending
			if err := w.queue.saveJob(ctx, job); err != nil {
				return
			}
			if err := w.queue.push(ctx, job); err != nil {
				w.logger.Printf("failed to re-enqueue %s: %v", job.ID, err)
			}
		}()
		return
	}

	if job.Status != JobTimeout {
		job.Status = JobFailed
	}
	w.bury(ctx, job)
}

func (w *Workers) failPermanently(ctx context.Context, job *Job, msg string) {
	job.Error = msg
	job.Status = JobFailed
	w.bury(ctx, job)
}

func (w *Workers) bury(ctx context.Context, job *Job) {
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := w.queue.saveJob(ctx, job); err != nil {
		w.logger.Printf("failed to persist failure of %s: %v", job.ID, err)
	}
	w.queue.release(ctx, job.ID)
	w.queue.pushDLQ(ctx, job)
	if w.queue.metrics != nil {
		w.queue.metrics.JobsCompleted.WithLabelValues(job.Type, string(job.Status)).Inc()
	}
	w.logger.Printf("job %s moved to DLQ after %d retries: %s", job.ID, job.RetryCount, job.Error)

	if cb, ok := w.failures[job.Type]; ok {
		cb(ctx, job)
	}
}

// recoveryLoop periodically re-queues jobs stuck in processing.
func (w *Workers) recoveryLoop(ctx context.Context) {
	interval := time.Duration(w.queue.defaultTimeout) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.queue.RecoverStuck(ctx); err == nil && n > 0 {
				w.logger.Printf("recovered %d stuck jobs", n)
			}
		}
	}
}
