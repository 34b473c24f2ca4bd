package queue

import (
	"maps"
	"time"
)

// EnqueueOption is a functional option for Enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay          time.Duration
	runAt          *time.Time
	everySeconds   int
	maxAttempts    int
	backoffSeconds int
	priority       int
	metadata       map[string]string
}

func defaultEnqueueOptions() *enqueueOptions {
	return &enqueueOptions{
		maxAttempts:    DefaultMaxAttempts,
		backoffSeconds: DefaultBackoffSeconds,
	}
}

// WithDelay makes the job reservable only after the given duration.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

// WithRunAt makes the job reservable at a specific time.
func WithRunAt(runAt time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.runAt = &runAt
	}
}

// WithEvery marks the job recurring: on successful completion it is
// re-scheduled the given interval from the completion time. Sub-second
// intervals round up to one second.
func WithEvery(every time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if every > 0 {
			o.everySeconds = max(1, int(every/time.Second))
		}
	}
}

// WithMaxAttempts sets the retry budget. A job is dead-lettered when a
// failure occurs with attempts at this limit.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay used for the linear retry backoff.
// Sub-second values round up to one second.
func WithBackoff(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.backoffSeconds = max(1, int(d/time.Second))
		}
	}
}

// WithPriority sets the job priority. Higher values are dequeued first;
// equal priorities are served FIFO by enqueue order.
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithMetadata attaches free-form tags (e.g. tenant id) carried through for
// observability. The queue never interprets them.
func WithMetadata(metadata map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		if len(metadata) > 0 {
			o.metadata = maps.Clone(metadata)
		}
	}
}
