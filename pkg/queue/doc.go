// Package queue provides a storage-agnostic job queue with at-least-once
// delivery, delayed and recurring jobs, bounded retries with linear backoff,
// and a dead-letter path for permanently failing work.
//
// The package is organised around two main pieces:
//
//   - JobQueue — the capability contract implemented by every backend
//   - Worker   — polls a JobQueue and dispatches reserved jobs to Handlers
//
// Three backends ship with the package:
//
//   - MemoryJobQueue   — single-process, mutex-protected; tests and low scale
//   - RedisJobQueue    — multi-process coordination over Redis lists and a
//     delayed sorted set; reservation rides the atomic RPOPLPUSH primitive
//   - PostgresJobQueue — multi-process coordination over one table using
//     FOR UPDATE SKIP LOCKED
//
// # Delivery semantics
//
// Delivery is at-least-once: a reserved job that is neither acked nor failed
// before its lease (visibility timeout) expires returns to the ready pool and
// is handed out again, possibly to a different process. Handlers must be
// idempotent. Exactly-once delivery is explicitly not provided.
//
// Retries are linear: after the n-th failed attempt a job becomes reservable
// again after BackoffSeconds * max(1, n). A failure occurring when attempts
// have reached MaxAttempts dead-letters the job; dead-lettered jobs are never
// retried automatically and wait for operator replay.
//
// # Usage
//
//	q := queue.NewMemoryJobQueue()
//
//	job, err := q.Enqueue(ctx, "send_email",
//	    EmailPayload{To: "a@b.com"},
//	    queue.WithMaxAttempts(3),
//	    queue.WithBackoff(time.Minute),
//	)
//
//	w, _ := queue.NewWorker(q, queue.WithPollInterval(time.Second))
//	w.RegisterHandler(queue.NewHandler("send_email", func(ctx context.Context, p EmailPayload) error {
//	    return send(ctx, p)
//	}))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(w.Run(ctx))
//
// Delayed and recurring work:
//
//	q.Enqueue(ctx, "remind", p, queue.WithDelay(10*time.Minute))
//	q.Schedule(ctx, "invoice", p, nextBillingDate)
//	q.ScheduleRecurring(ctx, "cleanup", struct{}{}, time.Hour)
//
// # Error handling
//
// Package-level sentinel errors (ErrNoJobReady, ErrJobNotFound,
// ErrJobProcessing, ...) signal expected conditions and can be checked with
// errors.Is. Storage connectivity errors propagate to the caller wrapped with
// context; the queue never retries them internally.
package queue
