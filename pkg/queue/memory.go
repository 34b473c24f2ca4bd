package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryJobQueue is the single-process backend. All mutating operations run
// under one mutex, which is what guarantees the at-most-one-reservation
// invariant and consistent status transitions. It is suited for tests and
// single-instance deployments; it cannot be shared across OS processes.
//
// Promotion of due scheduled jobs and reclamation of expired leases happen
// lazily inside ReserveNext, so no background goroutine is needed. The cost is
// paid by whichever caller polls next.
type MemoryJobQueue struct {
	mu    sync.Mutex
	seq   int64
	jobs  map[string]*Job
	lease time.Duration
	now   func() time.Time
}

var _ JobQueue = (*MemoryJobQueue)(nil)

// MemoryOption configures a MemoryJobQueue.
type MemoryOption func(*MemoryJobQueue)

// WithLeaseDuration sets the visibility timeout applied on reservation.
func WithLeaseDuration(d time.Duration) MemoryOption {
	return func(q *MemoryJobQueue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithNowFunc replaces the clock, letting tests drive time-based transitions
// (delayed jobs, backoff windows, lease expiry) deterministically.
func WithNowFunc(now func() time.Time) MemoryOption {
	return func(q *MemoryJobQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewMemoryJobQueue creates an empty in-memory queue. Multiple independent
// queues can coexist in one process; there is no shared global state.
func NewMemoryJobQueue(opts ...MemoryOption) *MemoryJobQueue {
	q := &MemoryJobQueue{
		jobs:  make(map[string]*Job),
		lease: DefaultLeaseDuration,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements JobQueue.
func (q *MemoryJobQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	options := defaultEnqueueOptions()
	for _, opt := range opts {
		opt(options)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	job := newJob(strconv.FormatInt(q.seq, 10), name, raw, options, q.now())
	q.jobs[job.ID] = job

	return job.clone(), nil
}

// Schedule implements JobQueue.
func (q *MemoryJobQueue) Schedule(ctx context.Context, name string, payload any, runAt time.Time) (*Job, error) {
	return q.Enqueue(ctx, name, payload, WithRunAt(runAt))
}

// ScheduleRecurring implements JobQueue.
func (q *MemoryJobQueue) ScheduleRecurring(ctx context.Context, name string, payload any, every time.Duration) (*Job, error) {
	if every <= 0 {
		return nil, ErrInvalidInterval
	}
	return q.Enqueue(ctx, name, payload, WithDelay(every), WithEvery(every))
}

// ReserveNext implements JobQueue.
func (q *MemoryJobQueue) ReserveNext(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteLocked(now)

	for {
		best := q.selectReadyLocked(now)
		if best == nil {
			return nil, ErrNoJobReady
		}

		// A redelivered job that already spent its retry budget goes straight
		// to the dead letter set instead of being handed out again.
		if best.Attempts+1 > best.MaxAttempts {
			best.Status = JobStatusFailed
			best.LeaseExpiry = nil
			continue
		}

		best.Attempts++
		best.Status = JobStatusProcessing
		expiry := now.Add(q.lease)
		best.LeaseExpiry = &expiry
		return best.clone(), nil
	}
}

// promoteLocked moves due scheduled jobs and expired leases back to pending.
// Caller must hold the mutex.
func (q *MemoryJobQueue) promoteLocked(now time.Time) {
	for _, job := range q.jobs {
		switch job.Status {
		case JobStatusScheduled:
			if !job.AvailableAt.After(now) {
				job.Status = JobStatusPending
			}
		case JobStatusProcessing:
			if job.LeaseExpiry != nil && !job.LeaseExpiry.After(now) {
				job.Status = JobStatusPending
				job.LeaseExpiry = nil
			}
		}
	}
}

// selectReadyLocked picks the highest-priority pending job, breaking ties by
// the monotonic sequence id (FIFO). Caller must hold the mutex.
func (q *MemoryJobQueue) selectReadyLocked(now time.Time) *Job {
	var best *Job
	for _, job := range q.jobs {
		if job.Status != JobStatusPending || job.AvailableAt.After(now) {
			continue
		}
		if best == nil || job.Priority > best.Priority ||
			(job.Priority == best.Priority && seqLess(job.ID, best.ID)) {
			best = job
		}
	}
	return best
}

// Ack implements JobQueue. Completed jobs are retained until PurgeCompleted.
func (q *MemoryJobQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[id]
	if !exists || job.Status != JobStatusProcessing {
		// Already acked, reclaimed by lease expiry, or never existed.
		return nil
	}

	now := q.now()
	job.LeaseExpiry = nil
	job.Error = ""

	if job.Recurring() {
		job.Status = JobStatusScheduled
		job.Attempts = 0
		job.AvailableAt = now.Add(time.Duration(job.EverySeconds) * time.Second)
		return nil
	}

	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	return nil
}

// Fail implements JobQueue.
func (q *MemoryJobQueue) Fail(ctx context.Context, id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[id]
	if !exists || job.Status != JobStatusProcessing {
		// Lease already reclaimed by another worker; treat as a no-op so a
		// slow worker cannot corrupt the record.
		return nil
	}

	job.Error = errMsg
	job.LeaseExpiry = nil

	if job.Attempts >= job.MaxAttempts {
		job.Status = JobStatusFailed
		return nil
	}

	job.Status = JobStatusScheduled
	job.AvailableAt = q.now().Add(backoffDelay(job.BackoffSeconds, job.Attempts))
	return nil
}

// CheckTimeouts implements JobQueue.
func (q *MemoryJobQueue) CheckTimeouts(ctx context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []*Job
	for _, job := range q.jobs {
		if job.Status == JobStatusProcessing && job.LeaseExpiry != nil && !job.LeaseExpiry.After(now) {
			job.Status = JobStatusPending
			job.LeaseExpiry = nil
			expired = append(expired, job.clone())
		}
	}
	return expired, nil
}

// GetJob implements JobQueue.
func (q *MemoryJobQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// ListJobs implements JobQueue.
func (q *MemoryJobQueue) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, job := range q.jobs {
		if job.Status == status {
			out = append(out, job.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return seqLess(out[i].ID, out[j].ID) })
	return out, nil
}

// Stats implements JobQueue.
func (q *MemoryJobQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, job := range q.jobs {
		switch job.Status {
		case JobStatusPending:
			s.Pending++
		case JobStatusScheduled:
			s.Scheduled++
		case JobStatusProcessing:
			s.Processing++
		case JobStatusCompleted:
			s.Completed++
		case JobStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// PurgeCompleted implements JobQueue.
func (q *MemoryJobQueue) PurgeCompleted(ctx context.Context, olderThan time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.jobs {
		if job.Status == JobStatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
			delete(q.jobs, id)
		}
	}
	return nil
}

// Delete implements JobQueue.
func (q *MemoryJobQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status == JobStatusProcessing {
		return ErrJobProcessing
	}
	delete(q.jobs, id)
	return nil
}

// Clear implements JobQueue. The sequence counter is not reset, so ids stay
// unique across the lifetime of the queue instance.
func (q *MemoryJobQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = make(map[string]*Job)
	return nil
}

// seqLess compares two sequence ids numerically.
func seqLess(a, b string) bool {
	ai, _ := strconv.ParseInt(a, 10, 64)
	bi, _ := strconv.ParseInt(b, 10, 64)
	return ai < bi
}
