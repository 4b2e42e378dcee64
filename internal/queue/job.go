// Package queue implements the durable background job queue on redis:
// a priority sorted set for pending work, a processing set for claimed
// ids, and a dead-letter list for jobs that exhausted their retries.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the queue-side lifecycle of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
	JobRetrying  JobStatus = "retrying"
)

// Job priorities. The sorted-set score is the negated priority so the
// low-score end of the queue is the highest priority.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 20
)

// Job is a queued unit of background work.
type Job struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Payload        map[string]interface{} `json:"payload"`
	Status         JobStatus              `json:"status"`
	Priority       int                    `json:"priority"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Tags           []string               `json:"tags,omitempty"`
}

// NewJob builds a pending job. MaxRetries of -1 means "use the queue
// default"; an explicit 0 disables retries.
func NewJob(jobType string, payload map[string]interface{}) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Status:     JobPending,
		Priority:   PriorityNormal,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: -1,
	}
}

// DLQEntry is one dead-letter record.
type DLQEntry struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
}

// Backoff returns the retry delay after the given number of retries:
// 60*2^n seconds capped at one hour.
func Backoff(retryCount int) time.Duration {
	secs := 60 * (1 << uint(retryCount))
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}
