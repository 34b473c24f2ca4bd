package queue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresJobQueue is a distributed backend on a single queue_jobs table.
// Mutual exclusion across competing workers comes from row locking: the
// reservation query selects one due row FOR UPDATE SKIP LOCKED and flips it to
// processing in the same statement, so two workers can never lease the same
// row. Promotion of due scheduled rows needs no separate step at all; they
// simply match the reservation predicate once available_at passes.
//
// Completed rows are retained until PurgeCompleted, like the in-memory backend.
type PostgresJobQueue struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

var _ JobQueue = (*PostgresJobQueue)(nil)

// PostgresOption configures a PostgresJobQueue.
type PostgresOption func(*PostgresJobQueue)

// WithPostgresLease sets the visibility timeout applied on reservation.
func WithPostgresLease(d time.Duration) PostgresOption {
	return func(q *PostgresJobQueue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// NewPostgresJobQueue creates a Postgres-backed queue on an injected pool.
// The pool's lifecycle stays with the caller. Run Migrate (or your own
// migration tooling) before first use.
func NewPostgresJobQueue(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresJobQueue, error) {
	if pool == nil {
		return nil, ErrClientNil
	}
	q := &PostgresJobQueue{
		pool:  pool,
		lease: DefaultLeaseDuration,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Migrate applies the queue_jobs schema using the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close() //nolint:errcheck // shared pool stays open

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply queue migrations: %w", err)
	}
	return nil
}

const jobColumns = `id, name, payload, status, attempts, max_attempts, backoff_seconds,
	priority, every_seconds, available_at, lease_expiry, metadata, last_error,
	completed_at, created_at`

// Enqueue implements JobQueue.
func (q *PostgresJobQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	options := defaultEnqueueOptions()
	for _, opt := range opts {
		opt(options)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	job := newJob("", name, raw, options, time.Now().UTC())

	var meta []byte
	if len(job.Metadata) > 0 {
		if meta, err = json.Marshal(job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO queue_jobs
			(name, payload, status, attempts, max_attempts, backoff_seconds,
			 priority, every_seconds, available_at, metadata)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		job.Name, []byte(job.Payload), string(job.Status), job.MaxAttempts,
		job.BackoffSeconds, job.Priority, job.EverySeconds, job.AvailableAt, meta,
	)

	var id int64
	if err := row.Scan(&id, &job.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %q: %w", name, err)
	}
	job.ID = strconv.FormatInt(id, 10)
	return job, nil
}

// Schedule implements JobQueue.
func (q *PostgresJobQueue) Schedule(ctx context.Context, name string, payload any, runAt time.Time) (*Job, error) {
	return q.Enqueue(ctx, name, payload, WithRunAt(runAt))
}

// ScheduleRecurring implements JobQueue.
func (q *PostgresJobQueue) ScheduleRecurring(ctx context.Context, name string, payload any, every time.Duration) (*Job, error) {
	if every <= 0 {
		return nil, ErrInvalidInterval
	}
	return q.Enqueue(ctx, name, payload, WithDelay(every), WithEvery(every))
}

// ReserveNext implements JobQueue. Lease reclamation is part of the candidate
// predicate, so crashed workers' jobs become reservable as soon as their lease
// passes, with no separate sweep required.
func (q *PostgresJobQueue) ReserveNext(ctx context.Context) (*Job, error) {
	for {
		row := q.pool.QueryRow(ctx, fmt.Sprintf(`
			WITH next AS (
				SELECT id FROM queue_jobs
				 WHERE (status IN ('pending', 'scheduled') AND available_at <= now())
				    OR (status = 'processing' AND lease_expiry <= now())
				 ORDER BY priority DESC, id ASC
				 LIMIT 1
				 FOR UPDATE SKIP LOCKED
			)
			UPDATE queue_jobs j
			   SET status = 'processing',
			       attempts = j.attempts + 1,
			       lease_expiry = now() + make_interval(secs => $1)
			  FROM next
			 WHERE j.id = next.id
			RETURNING %s`, prefixColumns("j.")),
			q.lease.Seconds(),
		)

		job, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobReady
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve job: %w", err)
		}

		// Redelivered past its retry budget: dead-letter and keep looking.
		if job.Attempts > job.MaxAttempts {
			_, err := q.pool.Exec(ctx, `
				UPDATE queue_jobs
				   SET status = 'failed', lease_expiry = NULL
				 WHERE id = $1`, job.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
			}
			continue
		}
		return job, nil
	}
}

// Ack implements JobQueue. Recurring jobs are re-scheduled their interval from
// now with a fresh attempt budget; one-shot jobs are retained as completed.
func (q *PostgresJobQueue) Ack(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		   SET status       = CASE WHEN every_seconds > 0 THEN 'scheduled' ELSE 'completed' END,
		       attempts     = CASE WHEN every_seconds > 0 THEN 0 ELSE attempts END,
		       available_at = CASE WHEN every_seconds > 0
		                           THEN now() + make_interval(secs => every_seconds)
		                           ELSE available_at END,
		       completed_at = CASE WHEN every_seconds > 0 THEN NULL ELSE now() END,
		       lease_expiry = NULL,
		       last_error   = ''
		 WHERE id = $1 AND status = 'processing'`, toInt(id))
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, err)
	}
	// Zero rows affected means the job was already acked or reclaimed: no-op.
	return nil
}

// Fail implements JobQueue.
func (q *PostgresJobQueue) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		   SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'scheduled' END,
		       available_at = CASE WHEN attempts >= max_attempts
		                           THEN available_at
		                           ELSE now() + make_interval(secs => backoff_seconds * GREATEST(1, attempts)) END,
		       last_error   = $2,
		       lease_expiry = NULL
		 WHERE id = $1 AND status = 'processing'`, toInt(id), errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return nil
}

// CheckTimeouts implements JobQueue.
func (q *PostgresJobQueue) CheckTimeouts(ctx context.Context) ([]*Job, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE queue_jobs
		   SET status = 'pending', lease_expiry = NULL
		 WHERE status = 'processing' AND lease_expiry <= now()
		RETURNING `+jobColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	defer rows.Close()

	var expired []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, job)
	}
	return expired, rows.Err()
}

// GetJob implements JobQueue.
func (q *PostgresJobQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, toInt(id))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs implements JobQueue.
func (q *PostgresJobQueue) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats implements JobQueue.
func (q *PostgresJobQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT status, count(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch JobStatus(status) {
		case JobStatusPending:
			s.Pending = count
		case JobStatusScheduled:
			s.Scheduled = count
		case JobStatusProcessing:
			s.Processing = count
		case JobStatusCompleted:
			s.Completed = count
		case JobStatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

// PurgeCompleted implements JobQueue.
func (q *PostgresJobQueue) PurgeCompleted(ctx context.Context, olderThan time.Time) error {
	_, err := q.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE status = 'completed' AND completed_at < $1`, olderThan)
	if err != nil {
		return fmt.Errorf("failed to purge completed jobs: %w", err)
	}
	return nil
}

// Delete implements JobQueue.
func (q *PostgresJobQueue) Delete(ctx context.Context, id string) error {
	var status string
	err := q.pool.QueryRow(ctx,
		`SELECT status FROM queue_jobs WHERE id = $1`, toInt(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if JobStatus(status) == JobStatusProcessing {
		return ErrJobProcessing
	}

	_, err = q.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE id = $1 AND status <> 'processing'`, toInt(id))
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// Clear implements JobQueue.
func (q *PostgresJobQueue) Clear(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, `TRUNCATE queue_jobs`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job     Job
		id      int64
		payload []byte
		meta    []byte
	)
	err := row.Scan(&id, &job.Name, &payload, &job.Status, &job.Attempts,
		&job.MaxAttempts, &job.BackoffSeconds, &job.Priority, &job.EverySeconds,
		&job.AvailableAt, &job.LeaseExpiry, &meta, &job.Error,
		&job.CompletedAt, &job.CreatedAt)
	if err != nil {
		return nil, err
	}

	job.ID = strconv.FormatInt(id, 10)
	job.Payload = json.RawMessage(payload)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return nil, fmt.Errorf("%w: bad metadata for id %s: %w", ErrCorruptedJobRecord, job.ID, err)
		}
	}
	return &job, nil
}

// prefixColumns qualifies the shared column list for queries with a table alias.
func prefixColumns(alias string) string {
	out := ""
	for i, col := range []string{
		"id", "name", "payload", "status", "attempts", "max_attempts",
		"backoff_seconds", "priority", "every_seconds", "available_at",
		"lease_expiry", "metadata", "last_error", "completed_at", "created_at",
	} {
		if i > 0 {
			out += ", "
		}
		out += alias + col
	}
	return out
}

func toInt(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}
