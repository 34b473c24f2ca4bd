package queue

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // ready for reservation
	JobStatusScheduled  JobStatus = "scheduled"  // not yet visible, future AvailableAt
	JobStatusProcessing JobStatus = "processing" // leased to a worker
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed" // terminal, dead-lettered
)

// Default retry policy applied when no enqueue options override it.
const (
	DefaultMaxAttempts    = 5
	DefaultBackoffSeconds = 60
)

// DefaultLeaseDuration is the visibility timeout applied to reserved jobs.
const DefaultLeaseDuration = 5 * time.Minute

// Job is one unit of deferred work. It is a plain data record: all state
// transitions are performed by the queue backend, never by the job itself.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	BackoffSeconds int             `json:"backoff_seconds"`
	Priority       int             `json:"priority"`
	// EverySeconds > 0 marks a recurring job: Ack re-schedules it
	// EverySeconds from now instead of completing it.
	EverySeconds int               `json:"every_seconds,omitempty"`
	AvailableAt  time.Time         `json:"available_at"`
	LeaseExpiry  *time.Time        `json:"lease_expiry,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Error        string            `json:"error,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Recurring reports whether the job re-schedules itself on completion.
func (j *Job) Recurring() bool {
	return j.EverySeconds > 0
}

// clone returns a detached copy so callers cannot mutate backend state.
func (j *Job) clone() *Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Metadata = maps.Clone(j.Metadata)
	if j.LeaseExpiry != nil {
		t := *j.LeaseExpiry
		c.LeaseExpiry = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// backoffDelay computes the linear retry delay after a failed attempt:
// BackoffSeconds * max(1, attempts).
func backoffDelay(backoffSeconds, attempts int) time.Duration {
	return time.Duration(backoffSeconds*max(1, attempts)) * time.Second
}

// Stats is a point-in-time snapshot of queue depth per lifecycle state.
type Stats struct {
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
