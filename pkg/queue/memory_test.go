package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

// fakeClock drives time-based transitions deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryQueue(t *testing.T) (*queue.MemoryJobQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return queue.NewMemoryJobQueue(queue.WithNowFunc(clock.Now)), clock
}

func TestMemoryJobQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns monotonic sequence ids", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		first, err := q.Enqueue(ctx, "a", map[string]any{})
		require.NoError(t, err)
		second, err := q.Enqueue(ctx, "b", map[string]any{})
		require.NoError(t, err)

		assert.Equal(t, "1", first.ID)
		assert.Equal(t, "2", second.ID)
	})

	t.Run("immediate job is pending", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		job, err := q.Enqueue(ctx, "send_email", map[string]string{"to": "a@b.com"})
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusPending, job.Status)
		assert.Equal(t, 0, job.Attempts)
		assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
		assert.Equal(t, queue.DefaultBackoffSeconds, job.BackoffSeconds)
	})

	t.Run("delayed job is scheduled", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		job, err := q.Enqueue(ctx, "x", map[string]any{}, queue.WithDelay(10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusScheduled, job.Status)
		assert.Equal(t, clock.Now().Add(10*time.Second), job.AvailableAt)
	})

	t.Run("rejects nil payload", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", nil)
		assert.ErrorIs(t, err, queue.ErrPayloadNil)
	})

	t.Run("carries metadata through", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		job, err := q.Enqueue(ctx, "x", map[string]any{},
			queue.WithMetadata(map[string]string{"tenant": "acme"}))
		require.NoError(t, err)

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", stored.Metadata["tenant"])
	})

	t.Run("payload survives round trip", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{"a": 1, "b": []int{1, 2, 3}})
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		var decoded struct {
			A int   `json:"a"`
			B []int `json:"b"`
		}
		require.NoError(t, json.Unmarshal(job.Payload, &decoded))
		assert.Equal(t, 1, decoded.A)
		assert.Equal(t, []int{1, 2, 3}, decoded.B)
	})

	t.Run("raw payload bytes are preserved exactly", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		raw := json.RawMessage(`{"b":[1,2,3],"a":1}`)
		_, err := q.Enqueue(ctx, "x", raw)
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte(raw), []byte(job.Payload))
	})
}

func TestMemoryJobQueue_ReserveNext(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue returns ErrNoJobReady", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		job, err := q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)
		assert.Nil(t, job)
	})

	t.Run("FIFO among equal priorities", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		first, err := q.Enqueue(ctx, "a", map[string]any{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "b", map[string]any{})
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID, job.ID)
	})

	t.Run("higher priority wins over earlier enqueue", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "low", map[string]any{})
		require.NoError(t, err)
		urgent, err := q.Enqueue(ctx, "urgent", map[string]any{}, queue.WithPriority(10))
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, urgent.ID, job.ID)
	})

	t.Run("reservation marks processing and increments attempts", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusProcessing, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.LeaseExpiry)
	})

	t.Run("delayed job invisible until available_at", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		created, err := q.Enqueue(ctx, "x", map[string]any{}, queue.WithDelay(10*time.Second))
		require.NoError(t, err)

		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)

		clock.Advance(9 * time.Second)
		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)

		clock.Advance(time.Second)
		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, created.ID, job.ID)
	})

	t.Run("schedule makes job visible at run_at", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		runAt := clock.Now().Add(time.Hour)
		created, err := q.Schedule(ctx, "invoice", map[string]any{}, runAt)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusScheduled, created.Status)

		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)

		clock.Advance(time.Hour)
		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, created.ID, job.ID)
	})

	t.Run("exactly one of N concurrent reservers wins", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		const reservers = 8
		results := make(chan *queue.Job, reservers)
		var wg sync.WaitGroup
		for range reservers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, err := q.ReserveNext(ctx)
				if err == nil {
					results <- job
				}
			}()
		}
		wg.Wait()
		close(results)

		var won int
		for range results {
			won++
		}
		assert.Equal(t, 1, won)
	})

	t.Run("expired lease is reclaimed lazily", func(t *testing.T) {
		clock := newFakeClock()
		q := queue.NewMemoryJobQueue(
			queue.WithNowFunc(clock.Now),
			queue.WithLeaseDuration(30*time.Second),
		)

		created, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		first, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Attempts)

		// Lease still live: nothing to reserve.
		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)

		clock.Advance(31 * time.Second)
		second, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, created.ID, second.ID)
		assert.Equal(t, 2, second.Attempts)
	})

	t.Run("redelivery past retry budget dead-letters instead of handing out", func(t *testing.T) {
		clock := newFakeClock()
		q := queue.NewMemoryJobQueue(
			queue.WithNowFunc(clock.Now),
			queue.WithLeaseDuration(30*time.Second),
		)

		created, err := q.Enqueue(ctx, "x", map[string]any{}, queue.WithMaxAttempts(1))
		require.NoError(t, err)

		_, err = q.ReserveNext(ctx)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)

		dead, err := q.ListJobs(ctx, queue.JobStatusFailed)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, created.ID, dead[0].ID)
	})
}

func TestMemoryJobQueue_Ack(t *testing.T) {
	ctx := context.Background()

	t.Run("completes the job", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		created, err := q.Enqueue(ctx, "send_email", map[string]string{"to": "a@b.com"})
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, "send_email", job.Name)

		require.NoError(t, q.Ack(ctx, job.ID))

		// This backend retains completed jobs until PurgeCompleted.
		stored, err := q.GetJob(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusCompleted, stored.Status)
		assert.Nil(t, stored.LeaseExpiry)
	})

	t.Run("is idempotent", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Ack(ctx, job.ID))
		require.NoError(t, q.Ack(ctx, job.ID))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusCompleted, stored.Status)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)
		assert.NoError(t, q.Ack(ctx, "42"))
	})

	t.Run("late ack after lease reclaim is a no-op", func(t *testing.T) {
		clock := newFakeClock()
		q := queue.NewMemoryJobQueue(
			queue.WithNowFunc(clock.Now),
			queue.WithLeaseDuration(30*time.Second),
		)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		stale, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		// Lease expires; another worker reserves the job.
		clock.Advance(time.Minute)
		fresh, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		require.Equal(t, stale.ID, fresh.ID)

		// The slow worker's ack lands while the job is leased elsewhere. The
		// record stays processing: it completes when the current holder acks.
		require.NoError(t, q.Ack(ctx, stale.ID))
		stored, err := q.GetJob(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusProcessing, stored.Status)
	})

	t.Run("recurring job is re-scheduled with fresh budget", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		created, err := q.ScheduleRecurring(ctx, "cleanup", map[string]any{}, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusScheduled, created.Status)

		clock.Advance(time.Hour)
		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Ack(ctx, job.ID))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusScheduled, stored.Status)
		assert.Equal(t, 0, stored.Attempts)
		assert.Equal(t, clock.Now().Add(time.Hour), stored.AvailableAt)
	})
}

func TestMemoryJobQueue_Fail(t *testing.T) {
	ctx := context.Background()

	t.Run("first failure re-schedules with linear backoff", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{},
			queue.WithMaxAttempts(3), queue.WithBackoff(time.Minute))
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, job.ID, "boom"))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusScheduled, stored.Status)
		assert.Equal(t, "boom", stored.Error)
		// attempts == 1, so the delay is BackoffSeconds * 1.
		assert.Equal(t, clock.Now().Add(time.Minute), stored.AvailableAt)

		// Not reservable before the backoff window passes.
		clock.Advance(59 * time.Second)
		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)

		clock.Advance(time.Second)
		retried, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, retried.Attempts)
	})

	t.Run("backoff grows linearly with attempts", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{},
			queue.WithMaxAttempts(5), queue.WithBackoff(30*time.Second))
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job.ID, "first"))

		clock.Advance(30 * time.Second)
		job, err = q.ReserveNext(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, job.Attempts)
		require.NoError(t, q.Fail(ctx, job.ID, "second"))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		// attempts == 2: delay is 30s * 2.
		assert.Equal(t, clock.Now().Add(time.Minute), stored.AvailableAt)
	})

	t.Run("dead-letters exactly when attempts reach max", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		created, err := q.Enqueue(ctx, "x", map[string]any{},
			queue.WithMaxAttempts(2), queue.WithBackoff(time.Second))
		require.NoError(t, err)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job.ID, "first"))

		stored, err := q.GetJob(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, queue.JobStatusScheduled, stored.Status, "one attempt left, must retry")

		clock.Advance(time.Second)
		job, err = q.ReserveNext(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, job.Attempts)
		require.NoError(t, q.Fail(ctx, job.ID, "second"))

		stored, err = q.GetJob(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusFailed, stored.Status)
		assert.Equal(t, "second", stored.Error)

		// Dead-lettered jobs are never handed out again.
		clock.Advance(time.Hour)
		_, err = q.ReserveNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoJobReady)
	})

	t.Run("late fail after lease reclaim is a no-op", func(t *testing.T) {
		clock := newFakeClock()
		q := queue.NewMemoryJobQueue(
			queue.WithNowFunc(clock.Now),
			queue.WithLeaseDuration(30*time.Second),
		)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		stale, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		fresh, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, stale.ID, "stale worker"))

		stored, err := q.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusProcessing, stored.Status)
		assert.Empty(t, stored.Error)
	})
}

func TestMemoryJobQueue_CheckTimeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("returns and reclaims expired leases", func(t *testing.T) {
		clock := newFakeClock()
		q := queue.NewMemoryJobQueue(
			queue.WithNowFunc(clock.Now),
			queue.WithLeaseDuration(30*time.Second),
		)

		created, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)

		_, err = q.ReserveNext(ctx)
		require.NoError(t, err)

		expired, err := q.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Empty(t, expired, "live lease must not be reclaimed")

		clock.Advance(time.Minute)
		expired, err = q.CheckTimeouts(ctx)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, created.ID, expired[0].ID)

		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, created.ID, job.ID)
	})
}

func TestMemoryJobQueue_Maintenance(t *testing.T) {
	ctx := context.Background()

	t.Run("delete removes waiting job", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		job, err := q.Enqueue(ctx, "x", map[string]any{}, queue.WithDelay(time.Hour))
		require.NoError(t, err)

		require.NoError(t, q.Delete(ctx, job.ID))
		_, err = q.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})

	t.Run("delete refuses in-flight job", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)
		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)

		assert.ErrorIs(t, q.Delete(ctx, job.ID), queue.ErrJobProcessing)
	})

	t.Run("delete unknown id", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)
		assert.ErrorIs(t, q.Delete(ctx, "42"), queue.ErrJobNotFound)
	})

	t.Run("purge removes old completed jobs only", func(t *testing.T) {
		q, clock := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "old", map[string]any{})
		require.NoError(t, err)
		job, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, job.ID))

		clock.Advance(48 * time.Hour)

		_, err = q.Enqueue(ctx, "fresh", map[string]any{})
		require.NoError(t, err)
		fresh, err := q.ReserveNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, fresh.ID))

		require.NoError(t, q.PurgeCompleted(ctx, clock.Now().Add(-24*time.Hour)))

		_, err = q.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
		_, err = q.GetJob(ctx, fresh.ID)
		assert.NoError(t, err)
	})

	t.Run("stats reflect lifecycle states", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "a", map[string]any{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "b", map[string]any{}, queue.WithDelay(time.Hour))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "c", map[string]any{})
		require.NoError(t, err)
		_, err = q.ReserveNext(ctx)
		require.NoError(t, err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Scheduled)
		assert.Equal(t, 1, stats.Processing)
	})

	t.Run("list jobs is ordered by sequence id", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		for range 3 {
			_, err := q.Enqueue(ctx, "x", map[string]any{})
			require.NoError(t, err)
		}

		jobs, err := q.ListJobs(ctx, queue.JobStatusPending)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "1", jobs[0].ID)
		assert.Equal(t, "2", jobs[1].ID)
		assert.Equal(t, "3", jobs[2].ID)
	})

	t.Run("clear keeps the sequence monotonic", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)

		_, err := q.Enqueue(ctx, "x", map[string]any{})
		require.NoError(t, err)
		require.NoError(t, q.Clear(ctx))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{}, stats)

		job, err := q.Enqueue(ctx, "y", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, "2", job.ID)
	})

	t.Run("recurring with non-positive interval is rejected", func(t *testing.T) {
		q, _ := newTestMemoryQueue(t)
		_, err := q.ScheduleRecurring(ctx, "x", map[string]any{}, 0)
		assert.ErrorIs(t, err, queue.ErrInvalidInterval)
	})
}
