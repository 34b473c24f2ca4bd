package queue

import "errors"

// Common errors
var (
	// ErrNoJobReady is returned by ReserveNext when nothing is reservable.
	// It is an expected condition, not a failure; callers poll again later.
	ErrNoJobReady = errors.New("no job ready for reservation")

	// ErrJobNotFound is returned when looking up an id the backend does not know.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobProcessing is returned by Delete for a job currently leased to a worker.
	ErrJobProcessing = errors.New("job is currently processing")

	// ErrCorruptedJobRecord marks a reserved id whose backing record is
	// missing or unparseable. Such entries are acked away, never retried.
	ErrCorruptedJobRecord = errors.New("corrupted job record")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload.
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrQueueNil is returned when a nil queue is provided to a constructor.
	ErrQueueNil = errors.New("queue cannot be nil")

	// ErrClientNil is returned when a nil store client is provided to a constructor.
	ErrClientNil = errors.New("store client cannot be nil")

	// ErrNoHandlers is returned when a worker starts with no handlers registered.
	ErrNoHandlers = errors.New("no job handlers registered")

	// ErrHandlerNotFound is returned when no handler is registered for a job name.
	ErrHandlerNotFound = errors.New("no handler registered for job name")

	// ErrInvalidInterval is returned when scheduling a recurring job with a
	// non-positive interval.
	ErrInvalidInterval = errors.New("recurring interval must be positive")
)
