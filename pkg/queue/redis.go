package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisJobQueue is the distributed backend. It coordinates arbitrarily many
// worker processes through Redis primitives:
//
//	{prefix}:ready       list  — ids eligible for reservation, FIFO order
//	{prefix}:processing  list  — ids currently leased to a worker
//	{prefix}:delayed     zset  — id scored by AvailableAt epoch seconds
//	{prefix}:dlq         list  — ids that exhausted their retry budget
//	{prefix}:seq         string — monotonic id counter (INCR)
//	{prefix}:job:{id}    hash  — the job record, payload JSON-encoded
//
// Reservation relies on the atomic list move (RPOPLPUSH semantics) from ready
// to processing, which is what provides the at-most-one-reserver guarantee
// without any external lock.
//
// Promotion of due delayed jobs is a ZRANGEBYSCORE read followed by a
// pipelined push/remove batch. That sequence is not atomic: two workers
// promoting concurrently can push the same id into ready twice. The window is
// kept rather than closed with a server-side script; the duplicate entry is
// harmless because the second reservation finds the hash already gone (or the
// job no longer processing) and discards the entry, and Ack/Fail tolerate
// already-removed ids.
type RedisJobQueue struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	log    *slog.Logger
}

var _ JobQueue = (*RedisJobQueue)(nil)

// Redis hash field names for the per-job record.
const (
	fieldName        = "name"
	fieldPayload     = "payload"
	fieldStatus      = "status"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldBackoff     = "backoff_seconds"
	fieldPriority    = "priority"
	fieldEvery       = "every_seconds"
	fieldAvailableAt = "available_at"
	fieldVisibleAt   = "visible_at"
	fieldLastError   = "last_error"
	fieldMetadata    = "metadata"
	fieldCreatedAt   = "created_at"
)

// promoteBatchSize caps how many due delayed jobs one ReserveNext call moves
// to the ready list.
const promoteBatchSize = 100

// RedisOption configures a RedisJobQueue.
type RedisOption func(*RedisJobQueue)

// WithKeyPrefix sets the key namespace (default "queue"), letting several
// independent queues share one Redis database.
func WithKeyPrefix(prefix string) RedisOption {
	return func(q *RedisJobQueue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// WithRedisLease sets the visibility timeout applied on reservation.
func WithRedisLease(d time.Duration) RedisOption {
	return func(q *RedisJobQueue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithRedisLogger sets the logger used for defensive-skip warnings.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(q *RedisJobQueue) {
		if log != nil {
			q.log = log
		}
	}
}

// NewRedisJobQueue creates a Redis-backed queue on an injected client. The
// client's lifecycle stays with the caller.
func NewRedisJobQueue(client redis.UniversalClient, opts ...RedisOption) (*RedisJobQueue, error) {
	if client == nil {
		return nil, ErrClientNil
	}
	q := &RedisJobQueue{
		client: client,
		prefix: "queue",
		lease:  DefaultLeaseDuration,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *RedisJobQueue) keyReady() string      { return q.prefix + ":ready" }
func (q *RedisJobQueue) keyProcessing() string { return q.prefix + ":processing" }
func (q *RedisJobQueue) keyDelayed() string    { return q.prefix + ":delayed" }
func (q *RedisJobQueue) keyDLQ() string        { return q.prefix + ":dlq" }
func (q *RedisJobQueue) keySeq() string        { return q.prefix + ":seq" }
func (q *RedisJobQueue) keyJob(id string) string {
	return q.prefix + ":job:" + id
}

// Enqueue implements JobQueue.
func (q *RedisJobQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	options := defaultEnqueueOptions()
	for _, opt := range opts {
		opt(options)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	seq, err := q.client.Incr(ctx, q.keySeq()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job id: %w", err)
	}

	job := newJob(strconv.FormatInt(seq, 10), name, raw, options, time.Now().UTC())

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keyJob(job.ID), hashFromJob(job))
	if job.Status == JobStatusScheduled {
		pipe.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(job.AvailableAt.Unix()), Member: job.ID})
	} else {
		q.pushReady(ctx, pipe, job)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %q: %w", name, err)
	}

	return job, nil
}

// pushReady adds an id to the ready list. Reservation pops from the tail, so
// normal jobs go to the head (FIFO) while prioritized jobs jump the line by
// entering at the consuming end. This is the documented simple tie-break;
// starvation prevention is out of scope.
func (q *RedisJobQueue) pushReady(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	if job.Priority > 0 {
		pipe.RPush(ctx, q.keyReady(), job.ID)
	} else {
		pipe.LPush(ctx, q.keyReady(), job.ID)
	}
}

// Schedule implements JobQueue.
func (q *RedisJobQueue) Schedule(ctx context.Context, name string, payload any, runAt time.Time) (*Job, error) {
	return q.Enqueue(ctx, name, payload, WithRunAt(runAt))
}

// ScheduleRecurring implements JobQueue.
func (q *RedisJobQueue) ScheduleRecurring(ctx context.Context, name string, payload any, every time.Duration) (*Job, error) {
	if every <= 0 {
		return nil, ErrInvalidInterval
	}
	return q.Enqueue(ctx, name, payload, WithDelay(every), WithEvery(every))
}

// ReserveNext implements JobQueue.
func (q *RedisJobQueue) ReserveNext(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	if _, err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for {
		id, err := q.client.LMove(ctx, q.keyReady(), q.keyProcessing(), "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return nil, ErrNoJobReady
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve job: %w", err)
		}

		data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read job %s: %w", id, err)
		}

		job, parseErr := jobFromHash(id, data)
		if len(data) == 0 || parseErr != nil {
			// Missing or unparseable record: ack the entry away instead of
			// retrying it forever. This also absorbs duplicate ready entries
			// left by the non-atomic promotion window.
			q.log.WarnContext(ctx, "discarding corrupted job record",
				slog.String("job_id", id),
				slog.Any("error", parseErr))
			if err := q.client.LRem(ctx, q.keyProcessing(), 1, id).Err(); err != nil {
				return nil, fmt.Errorf("failed to discard corrupted job %s: %w", id, err)
			}
			continue
		}

		// A duplicate ready entry for a job that is no longer waiting is
		// discarded the same way.
		if job.Status != JobStatusPending && job.Status != JobStatusScheduled {
			if err := q.client.LRem(ctx, q.keyProcessing(), 1, id).Err(); err != nil {
				return nil, fmt.Errorf("failed to discard stale entry %s: %w", id, err)
			}
			continue
		}

		// Redelivered past its retry budget: dead-letter instead of handing out.
		if job.Attempts+1 > job.MaxAttempts {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.keyProcessing(), 1, id)
			pipe.LPush(ctx, q.keyDLQ(), id)
			pipe.HSet(ctx, q.keyJob(id), fieldStatus, string(JobStatusFailed), fieldVisibleAt, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("failed to dead-letter job %s: %w", id, err)
			}
			continue
		}

		job.Attempts++
		job.Status = JobStatusProcessing
		expiry := now.Add(q.lease)
		job.LeaseExpiry = &expiry

		err = q.client.HSet(ctx, q.keyJob(id),
			fieldAttempts, job.Attempts,
			fieldStatus, string(JobStatusProcessing),
			fieldVisibleAt, expiry.Unix(),
		).Err()
		if err != nil {
			return nil, fmt.Errorf("failed to lease job %s: %w", id, err)
		}
		return job, nil
	}
}

// promoteDue moves due delayed ids into the ready list. The read and the
// pipelined writes are deliberately two steps; see the type comment for why
// the race window is acceptable.
func (q *RedisJobQueue) promoteDue(ctx context.Context) error {
	now := time.Now().UTC().Unix()
	ids, err := q.client.ZRangeByScore(ctx, q.keyDelayed(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read due delayed jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.keyReady(), id)
		pipe.ZRem(ctx, q.keyDelayed(), id)
		pipe.HSet(ctx, q.keyJob(id), fieldStatus, string(JobStatusPending))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return nil
}

// reclaimExpired returns expired-lease ids to the ready list.
func (q *RedisJobQueue) reclaimExpired(ctx context.Context) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, q.keyProcessing(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan processing list: %w", err)
	}

	now := time.Now().UTC().Unix()
	var reclaimed []*Job
	for _, id := range ids {
		data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read job %s: %w", id, err)
		}
		if len(data) == 0 {
			// Orphaned entry; drop it.
			if err := q.client.LRem(ctx, q.keyProcessing(), 1, id).Err(); err != nil {
				return nil, fmt.Errorf("failed to drop orphaned entry %s: %w", id, err)
			}
			continue
		}

		visibleAt, _ := strconv.ParseInt(data[fieldVisibleAt], 10, 64)
		if visibleAt == 0 || visibleAt > now {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.keyProcessing(), 1, id)
		pipe.LPush(ctx, q.keyReady(), id)
		pipe.HSet(ctx, q.keyJob(id), fieldStatus, string(JobStatusPending), fieldVisibleAt, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to reclaim expired lease %s: %w", id, err)
		}

		if job, err := jobFromHash(id, data); err == nil {
			job.Status = JobStatusPending
			job.LeaseExpiry = nil
			reclaimed = append(reclaimed, job)
		}
	}
	return reclaimed, nil
}

// Ack implements JobQueue. One-shot jobs are removed entirely on success: no
// completed history is retained in this backend, so GetJob on an acked id
// returns ErrJobNotFound.
func (q *RedisJobQueue) Ack(ctx context.Context, id string) error {
	data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(data) == 0 || JobStatus(data[fieldStatus]) != JobStatusProcessing {
		// Already acked, reclaimed, or never existed: idempotent no-op.
		return nil
	}

	every, _ := strconv.Atoi(data[fieldEvery])
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keyProcessing(), 1, id)
	if every > 0 {
		availableAt := time.Now().UTC().Add(time.Duration(every) * time.Second)
		pipe.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(availableAt.Unix()), Member: id})
		pipe.HSet(ctx, q.keyJob(id),
			fieldStatus, string(JobStatusScheduled),
			fieldAttempts, 0,
			fieldAvailableAt, availableAt.Format(time.RFC3339Nano),
			fieldVisibleAt, 0,
			fieldLastError, "",
		)
	} else {
		pipe.Del(ctx, q.keyJob(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, err)
	}
	return nil
}

// Fail implements JobQueue.
func (q *RedisJobQueue) Fail(ctx context.Context, id string, errMsg string) error {
	data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(data) == 0 || JobStatus(data[fieldStatus]) != JobStatusProcessing {
		// Late fail on a reclaimed or removed job: no-op.
		return nil
	}

	attempts, _ := strconv.Atoi(data[fieldAttempts])
	maxAttempts, _ := strconv.Atoi(data[fieldMaxAttempts])
	backoffSeconds, _ := strconv.Atoi(data[fieldBackoff])

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keyProcessing(), 1, id)

	if attempts >= maxAttempts {
		pipe.LPush(ctx, q.keyDLQ(), id)
		pipe.HSet(ctx, q.keyJob(id),
			fieldStatus, string(JobStatusFailed),
			fieldLastError, errMsg,
			fieldVisibleAt, 0,
		)
	} else {
		availableAt := time.Now().UTC().Add(backoffDelay(backoffSeconds, attempts))
		pipe.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(availableAt.Unix()), Member: id})
		pipe.HSet(ctx, q.keyJob(id),
			fieldStatus, string(JobStatusScheduled),
			fieldAvailableAt, availableAt.Format(time.RFC3339Nano),
			fieldLastError, errMsg,
			fieldVisibleAt, 0,
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return nil
}

// CheckTimeouts implements JobQueue.
func (q *RedisJobQueue) CheckTimeouts(ctx context.Context) ([]*Job, error) {
	return q.reclaimExpired(ctx)
}

// GetJob implements JobQueue.
func (q *RedisJobQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, ErrJobNotFound
	}
	job, err := jobFromHash(id, data)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs implements JobQueue. Completed jobs are never listed because this
// backend removes them on Ack.
func (q *RedisJobQueue) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	var ids []string
	var err error
	switch status {
	case JobStatusPending:
		ids, err = q.client.LRange(ctx, q.keyReady(), 0, -1).Result()
	case JobStatusProcessing:
		ids, err = q.client.LRange(ctx, q.keyProcessing(), 0, -1).Result()
	case JobStatusScheduled:
		ids, err = q.client.ZRange(ctx, q.keyDelayed(), 0, -1).Result()
	case JobStatusFailed:
		ids, err = q.client.LRange(ctx, q.keyDLQ(), 0, -1).Result()
	case JobStatusCompleted:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read job %s: %w", id, err)
		}
		if len(data) == 0 {
			continue
		}
		job, err := jobFromHash(id, data)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Stats implements JobQueue.
func (q *RedisJobQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.keyReady())
	processing := pipe.LLen(ctx, q.keyProcessing())
	delayed := pipe.ZCard(ctx, q.keyDelayed())
	dlq := pipe.LLen(ctx, q.keyDLQ())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Pending:    int(ready.Val()),
		Scheduled:  int(delayed.Val()),
		Processing: int(processing.Val()),
		Failed:     int(dlq.Val()),
	}, nil
}

// PurgeCompleted implements JobQueue. Nothing to do here: Ack already removes
// completed jobs entirely.
func (q *RedisJobQueue) PurgeCompleted(ctx context.Context, olderThan time.Time) error {
	return nil
}

// Delete implements JobQueue.
func (q *RedisJobQueue) Delete(ctx context.Context, id string) error {
	data, err := q.client.HGetAll(ctx, q.keyJob(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(data) == 0 {
		return ErrJobNotFound
	}
	if JobStatus(data[fieldStatus]) == JobStatusProcessing {
		return ErrJobProcessing
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keyReady(), 0, id)
	pipe.ZRem(ctx, q.keyDelayed(), id)
	pipe.LRem(ctx, q.keyDLQ(), 0, id)
	pipe.Del(ctx, q.keyJob(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// Clear implements JobQueue. The sequence counter is kept so ids remain
// unique across the lifetime of the key prefix.
func (q *RedisJobQueue) Clear(ctx context.Context) error {
	containers := []string{q.keyReady(), q.keyProcessing(), q.keyDLQ()}
	var ids []string
	for _, key := range containers {
		listed, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", key, err)
		}
		ids = append(ids, listed...)
	}
	delayed, err := q.client.ZRange(ctx, q.keyDelayed(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", q.keyDelayed(), err)
	}
	ids = append(ids, delayed...)

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.keyJob(id))
	}
	pipe.Del(ctx, q.keyReady(), q.keyProcessing(), q.keyDelayed(), q.keyDLQ())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// hashFromJob encodes a job into its Redis hash representation. The payload
// is stored as the raw JSON string so it survives the round trip byte for byte.
func hashFromJob(job *Job) map[string]any {
	h := map[string]any{
		fieldName:        job.Name,
		fieldPayload:     string(job.Payload),
		fieldStatus:      string(job.Status),
		fieldAttempts:    job.Attempts,
		fieldMaxAttempts: job.MaxAttempts,
		fieldBackoff:     job.BackoffSeconds,
		fieldPriority:    job.Priority,
		fieldEvery:       job.EverySeconds,
		fieldAvailableAt: job.AvailableAt.Format(time.RFC3339Nano),
		fieldVisibleAt:   0,
		fieldLastError:   job.Error,
		fieldCreatedAt:   job.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(job.Metadata) > 0 {
		if meta, err := json.Marshal(job.Metadata); err == nil {
			h[fieldMetadata] = string(meta)
		}
	}
	return h
}

// jobFromHash decodes a Redis hash into a Job. Any malformed field makes the
// whole record corrupted; partial records must not reach handlers.
func jobFromHash(id string, data map[string]string) (*Job, error) {
	if len(data) == 0 {
		return nil, ErrCorruptedJobRecord
	}

	job := &Job{
		ID:      id,
		Name:    data[fieldName],
		Payload: json.RawMessage(data[fieldPayload]),
		Status:  JobStatus(data[fieldStatus]),
		Error:   data[fieldLastError],
	}
	if job.Name == "" {
		return nil, fmt.Errorf("%w: missing name for id %s", ErrCorruptedJobRecord, id)
	}

	var err error
	if job.Attempts, err = strconv.Atoi(data[fieldAttempts]); err != nil {
		return nil, fmt.Errorf("%w: bad attempts for id %s: %w", ErrCorruptedJobRecord, id, err)
	}
	if job.MaxAttempts, err = strconv.Atoi(data[fieldMaxAttempts]); err != nil {
		return nil, fmt.Errorf("%w: bad max_attempts for id %s: %w", ErrCorruptedJobRecord, id, err)
	}
	if job.BackoffSeconds, err = strconv.Atoi(data[fieldBackoff]); err != nil {
		return nil, fmt.Errorf("%w: bad backoff_seconds for id %s: %w", ErrCorruptedJobRecord, id, err)
	}
	job.Priority, _ = strconv.Atoi(data[fieldPriority])
	job.EverySeconds, _ = strconv.Atoi(data[fieldEvery])

	if job.AvailableAt, err = time.Parse(time.RFC3339Nano, data[fieldAvailableAt]); err != nil {
		return nil, fmt.Errorf("%w: bad available_at for id %s: %w", ErrCorruptedJobRecord, id, err)
	}
	if raw := data[fieldCreatedAt]; raw != "" {
		if job.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("%w: bad created_at for id %s: %w", ErrCorruptedJobRecord, id, err)
		}
	}
	if visibleAt, _ := strconv.ParseInt(data[fieldVisibleAt], 10, 64); visibleAt > 0 {
		t := time.Unix(visibleAt, 0).UTC()
		job.LeaseExpiry = &t
	}
	if raw := data[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Metadata); err != nil {
			return nil, fmt.Errorf("%w: bad metadata for id %s: %w", ErrCorruptedJobRecord, id, err)
		}
	}
	return job, nil
}
