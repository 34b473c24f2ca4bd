package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobQueue is the capability contract implemented by every backend.
//
// All mutating operations are safe to call concurrently from arbitrarily many
// workers against the same backing store. Delivery is at-least-once: a job may
// be handed to a handler more than once (lease expiry, redelivery), so
// handlers must be idempotent.
type JobQueue interface {
	// Enqueue creates a job. With no delay the job is immediately reservable;
	// with WithDelay it starts scheduled. Returns the created job with its
	// assigned id.
	Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error)

	// Schedule creates a job that becomes reservable at runAt.
	Schedule(ctx context.Context, name string, payload any, runAt time.Time) (*Job, error)

	// ScheduleRecurring creates a job that re-schedules itself every interval
	// upon successful completion.
	ScheduleRecurring(ctx context.Context, name string, payload any, every time.Duration) (*Job, error)

	// ReserveNext atomically claims the highest-priority, earliest-enqueued
	// ready job, marking it processing and invisible to other callers. Due
	// scheduled jobs and expired leases are promoted lazily on every call.
	// Returns (nil, ErrNoJobReady) when nothing is reservable.
	ReserveNext(ctx context.Context) (*Job, error)

	// Ack marks a processing job completed and releases its lease. Idempotent:
	// acking an already-acked, reclaimed, or unknown id is a no-op.
	Ack(ctx context.Context, id string) error

	// Fail records a failure on a processing job. If attempts have reached
	// MaxAttempts the job is dead-lettered; otherwise it is re-scheduled with
	// linear backoff (BackoffSeconds * max(1, attempts)). A late Fail on a
	// reclaimed or unknown id is a no-op.
	Fail(ctx context.Context, id string, errMsg string) error

	// CheckTimeouts returns jobs whose lease expired without Ack or Fail and
	// makes them reservable again.
	CheckTimeouts(ctx context.Context) ([]*Job, error)

	// GetJob returns the job with the given id, or (nil, ErrJobNotFound).
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns all jobs currently in the given status.
	ListJobs(ctx context.Context, status JobStatus) ([]*Job, error)

	// Stats returns a snapshot of queue depth per status.
	Stats(ctx context.Context) (Stats, error)

	// PurgeCompleted removes retained completed jobs older than the given time.
	PurgeCompleted(ctx context.Context, olderThan time.Time) error

	// Delete removes a job that has not been reserved yet (or is dead-lettered).
	// Returns ErrJobProcessing for a job currently leased to a worker.
	Delete(ctx context.Context, id string) error

	// Clear removes all jobs from the queue.
	Clear(ctx context.Context) error
}

// marshalPayload converts an enqueue payload into its stored JSON form.
// A json.RawMessage passes through untouched so payload bytes survive the
// store round trip exactly as submitted.
func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, ErrPayloadNil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload of type %T: %w", payload, err)
	}
	return data, nil
}

// newJob builds the job record shared by all backends. The backend assigns
// the sequence id and persists the result.
func newJob(id, name string, payload json.RawMessage, o *enqueueOptions, now time.Time) *Job {
	availableAt := now
	if o.runAt != nil {
		availableAt = *o.runAt
	} else if o.delay > 0 {
		availableAt = now.Add(o.delay)
	}

	status := JobStatusPending
	if availableAt.After(now) {
		status = JobStatusScheduled
	}

	return &Job{
		ID:             id,
		Name:           name,
		Payload:        payload,
		Status:         status,
		Attempts:       0,
		MaxAttempts:    o.maxAttempts,
		BackoffSeconds: o.backoffSeconds,
		Priority:       o.priority,
		EverySeconds:   o.everySeconds,
		AvailableAt:    availableAt,
		Metadata:       o.metadata,
		CreatedAt:      now,
	}
}
