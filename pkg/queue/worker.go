package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Worker polls a JobQueue and dispatches reserved jobs to registered handlers.
// Handler outcomes become Ack/Fail calls; a handler error or panic never
// escapes the worker. Any number of workers may run against the same backend,
// in one process or many.
type Worker struct {
	queue    JobQueue
	handlers map[string]Handler
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex // serializes stopping state against WaitGroup adds

	pollInterval    time.Duration
	handlerTimeout  time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewWorker creates a worker bound to a queue backend.
func NewWorker(q JobQueue, opts ...WorkerOption) (*Worker, error) {
	if q == nil {
		return nil, ErrQueueNil
	}

	options := &workerOptions{
		pollInterval:      time.Second,
		handlerTimeout:    DefaultLeaseDuration,
		shutdownTimeout:   30 * time.Second,
		maxConcurrentJobs: 1,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		queue:           q,
		handlers:        make(map[string]Handler),
		workerID:        uuid.New(),
		sem:             make(chan struct{}, options.maxConcurrentJobs),
		pollInterval:    options.pollInterval,
		handlerTimeout:  options.handlerTimeout,
		shutdownTimeout: options.shutdownTimeout,
		logger:          options.logger,
	}, nil
}

// RegisterHandler registers a handler for its job name. A later registration
// with the same name replaces the earlier one.
func (w *Worker) RegisterHandler(handler Handler) {
	if handler == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[handler.Name()] = handler
}

// RegisterHandlers registers multiple handlers.
func (w *Worker) RegisterHandlers(handlers ...Handler) {
	for _, h := range handlers {
		w.RegisterHandler(h)
	}
}

// Start begins the poll loop in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)
	go w.run()

	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Int("max_concurrent", cap(w.sem)))
	return nil
}

// Stop drains the worker: no new reservations are made, and in-flight
// handlers get up to the shutdown timeout to finish. Jobs still leased past
// the grace period are abandoned; lease expiry returns them to the ready pool
// for some worker to pick up later.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker not started")
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.Info("worker stopping, draining in-flight jobs",
		slog.String("worker_id", w.workerID.String()),
		slog.Duration("grace_period", w.shutdownTimeout))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped",
			slog.String("worker_id", w.workerID.String()))
		return nil
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("shutdown grace period elapsed, abandoning leased jobs",
			slog.String("worker_id", w.workerID.String()))
		return nil
	}
}

// Run returns a function suitable for errgroup: it starts the worker, blocks
// until the context is done, then performs the graceful stop.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

// run is the main poll loop.
func (w *Worker) run() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()

					if err := w.reserveAndProcess(); err != nil && !errors.Is(err, ErrHandlerNotFound) {
						w.logger.Error("failed to process job",
							slog.String("worker_id", w.workerID.String()),
							slog.String("error", err.Error()))
					}
				}()
			default:
				// All slots busy; skip this tick.
			}
		}
	}
}

// reserveAndProcess claims one job and runs its handler.
func (w *Worker) reserveAndProcess() error {
	job, err := w.queue.ReserveNext(w.ctx)
	if err != nil {
		if errors.Is(err, ErrNoJobReady) || errors.Is(err, context.Canceled) {
			return nil
		}
		// Store outage: surface it to the loop, do not retry here. The next
		// tick polls again.
		return fmt.Errorf("failed to reserve job: %w", err)
	}

	w.logger.Debug("reserved job",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempt", job.Attempts))

	return w.processJob(job)
}

// processJob executes the handler inside an error boundary.
func (w *Worker) processJob(job *Job) (retErr error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				slog.String("worker_id", w.workerID.String()),
				slog.String("job_id", job.ID),
				slog.String("job_name", job.Name),
				slog.Any("panic", r))
			_ = w.handleFailure(context.Background(), job, retErr, time.Since(start))
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[job.Name]
	w.mu.RUnlock()

	if !ok {
		return w.handleMissingHandler(job)
	}

	// Detached from the worker context so graceful shutdown lets in-flight
	// handlers finish.
	ctx, cancel := context.WithTimeout(context.Background(), w.handlerTimeout)
	defer cancel()

	err := handler.Handle(ctx, job.Payload)
	duration := time.Since(start)

	// Finalization also runs detached: an Ack for work that finished during
	// shutdown must not be dropped because the worker context is gone.
	if err != nil {
		return w.handleFailure(context.Background(), job, err, duration)
	}
	return w.handleSuccess(context.Background(), job, duration)
}

// handleMissingHandler fails jobs with no registered handler. They burn
// through their retry budget and land in the dead letter set, where an
// operator can replay them once the handler is deployed.
func (w *Worker) handleMissingHandler(job *Job) error {
	w.logger.Error("no handler registered for job name",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name))

	errMsg := "no handler registered for job name: " + job.Name
	if err := w.queue.Fail(context.Background(), job.ID, errMsg); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	return ErrHandlerNotFound
}

// handleFailure converts a handler error into a Fail call. Retry scheduling
// and dead-lettering are the queue's decision, not the worker's.
func (w *Worker) handleFailure(ctx context.Context, job *Job, execErr error, duration time.Duration) error {
	w.logger.Error("job failed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("duration", duration),
		slog.String("error", execErr.Error()))

	if err := w.queue.Fail(ctx, job.ID, execErr.Error()); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}

	if job.Attempts >= job.MaxAttempts {
		w.logger.Warn("job moved to dead letter queue",
			slog.String("worker_id", w.workerID.String()),
			slog.String("job_id", job.ID),
			slog.String("job_name", job.Name))
	}
	return nil
}

// handleSuccess acks a finished job.
func (w *Worker) handleSuccess(ctx context.Context, job *Job, duration time.Duration) error {
	if err := w.queue.Ack(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}

	w.logger.Info("job completed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Duration("duration", duration))
	return nil
}

// RunWorkers runs several workers as one unit, stopping all of them when the
// context is done or any worker fails to start. It blocks until every worker
// has drained.
func RunWorkers(ctx context.Context, workers ...*Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(w.Run(ctx))
	}
	return g.Wait()
}

// WorkerInfo returns identity details useful for operational logging.
func (w *Worker) WorkerInfo() (id string, hostname string, pid int) {
	hostname, _ = os.Hostname()
	return w.workerID.String(), hostname, os.Getpid()
}
