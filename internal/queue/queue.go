package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/metrics"
)

const (
	jobKeyPrefix  = "job:"
	queueKey      = "task_queue:queue"
	processingKey = "task_queue:processing"
	dlqKey        = "task_queue:dlq"

	// Job records live for a day; terminal jobs age out with this TTL.
	jobTTL = 24 * time.Hour
)

// Stats is a point-in-time size snapshot of the three queue structures.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DLQ        int64 `json:"dlq"`
}

// Queue is the redis-backed persistent priority queue.
type Queue struct {
	rdb               *redis.Client
	logger            *log.Logger
	defaultMaxRetries int
	defaultTimeout    int
	metrics           *metrics.Metrics
}

// SetMetrics attaches prometheus counters shared with the workers.
// Nil is the default and disables recording.
func (q *Queue) SetMetrics(m *metrics.Metrics) { q.metrics = m }

// New wraps a connected redis client with the configured defaults.
func New(rdb *redis.Client, maxRetries, timeoutSeconds int) *Queue {
	if maxRetries < 0 {
		maxRetries = 3
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &Queue{
		rdb:               rdb,
		logger:            log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		defaultMaxRetries: maxRetries,
		defaultTimeout:    timeoutSeconds,
	}
}

// Enqueue persists the job and adds its id to the priority queue.
// Returns the job id synchronously.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = q.defaultMaxRetries
	}
	if job.TimeoutSeconds == 0 {
		job.TimeoutSeconds = q.defaultTimeout
	}
	job.Status = JobPending

	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	if q.metrics != nil {
		q.metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
	}
	q.logger.Printf("enqueued job %s type=%s priority=%d", job.ID, job.Type, job.Priority)
	return job.ID, nil
}

// push adds the id to the sorted set with the negated priority.
func (q *Queue) push(ctx context.Context, job *Job) error {
	err := q.rdb.ZAdd(ctx, queueKey, redis.Z{
		Score:  -float64(job.Priority),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue push: %w: %v", core.ErrStorage, err)
	}
	return nil
}

// GetJob loads a job record by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, jobKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("job load: %w: %v", core.ErrStorage, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("job decode: %w", err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, jobKeyPrefix+job.ID, raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("job save: %w: %v", core.ErrStorage, err)
	}
	return nil
}

// Cancel removes a pending job from the queue. It succeeds only when
// the job has not started; otherwise cancellation is advisory and the
// handler observes the cancelled status at its next checkpoint.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, queueKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("queue cancel: %w: %v", core.ErrStorage, err)
	}

	job, gerr := q.GetJob(ctx, id)
	if gerr != nil {
		return false, gerr
	}
	// A job that already reached a terminal status keeps its record;
	// cancelling it would clobber the result.
	switch job.Status {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return removed > 0, nil
	}
	job.Status = JobCancelled
	if err := q.saveJob(ctx, job); err != nil {
		return false, err
	}
	if q.metrics != nil {
		q.metrics.JobsCompleted.WithLabelValues(job.Type, string(JobCancelled)).Inc()
	}
	return removed > 0, nil
}

// claimBatch atomically moves up to n ids from the queue head into the
// processing set. ZRem is the claim: a concurrent worker that loses
// the removal race skips the id.
func (q *Queue) claimBatch(ctx context.Context, n int) ([]string, error) {
	ids, err := q.rdb.ZRange(ctx, queueKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue fetch: %w: %v", core.ErrStorage, err)
	}

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, queueKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.SAdd(ctx, processingKey, id).Err(); err != nil {
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (q *Queue) release(ctx context.Context, id string) {
	if err := q.rdb.SRem(ctx, processingKey, id).Err(); err != nil {
		q.logger.Printf("failed to release %s from processing: %v", id, err)
	}
}

// pushDLQ appends a dead-letter record for a job that exhausted its
// retry budget.
func (q *Queue) pushDLQ(ctx context.Context, job *Job) {
	entry := DLQEntry{
		JobID:      job.ID,
		JobType:    job.Type,
		Error:      job.Error,
		FailedAt:   time.Now().UTC(),
		RetryCount: job.RetryCount,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := q.rdb.LPush(ctx, dlqKey, raw).Err(); err != nil {
		q.logger.Printf("failed to push DLQ entry for %s: %v", job.ID, err)
	}
}

// DLQ returns up to limit dead-letter entries, newest first.
func (q *Queue) DLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, dlqKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq read: %w: %v", core.ErrStorage, err)
	}
	entries := make([]DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var e DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats reports current queue structure sizes.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pending, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w: %v", core.ErrStorage, err)
	}
	processing, err := q.rdb.SCard(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w: %v", core.ErrStorage, err)
	}
	dlq, err := q.rdb.LLen(ctx, dlqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w: %v", core.ErrStorage, err)
	}
	return &Stats{Pending: pending, Processing: processing, DLQ: dlq}, nil
}

// Ping probes the store for the readiness endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// RecoverStuck re-queues ids that have sat in processing past twice
// their deadline; this keeps the processing set bounded when a worker
// dies mid-job.
func (q *Queue) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := q.rdb.SMembers(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("recover scan: %w: %v", core.ErrStorage, err)
	}

	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Record expired; nothing to resume.
			q.release(ctx, id)
			continue
		}
		if job.Status != JobRunning || job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(2 * time.Duration(job.TimeoutSeconds) * time.Second)
		if time.Now().UTC().Before(deadline) {
			continue
		}

		q.release(ctx, id)
		job.Status = JobPending
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		if err := q.push(ctx, job); err != nil {
			continue
		}
		recovered++
		q.logger.Printf("recovered stuck job %s", id)
	}
	return recovered, nil
}
