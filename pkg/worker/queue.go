// Package worker runs jobs on a fixed pool of goroutines and re-enqueues
// deferred jobs after an exponential backoff.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fedcore/pkg/federation"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one job. Returned errors are logged; retrying is the
// handler's decision via Defer.
type Handler[T any] func(ctx context.Context, job T) error

type Options struct {
	Workers  int
	Capacity int
	Backoff  federation.Backoff
	Metrics  *federation.Metrics
	Logger   *zap.Logger
}

type Queue[T any] struct {
	handler Handler[T]
	jobs    chan T
	workers int
	backoff federation.Backoff
	metrics *federation.Metrics
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	// deferred tracks timers waiting to re-enqueue a job
	deferred sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func New[T any](handler Handler[T], opts Options) *Queue[T] {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue[T]{
		handler: handler,
		jobs:    make(chan T, opts.Capacity),
		workers: opts.Workers,
		backoff: opts.Backoff,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
}

// Enqueue adds job to the queue, blocking while it is full.
func (q *Queue[T]) Enqueue(ctx context.Context, job T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.jobs <- job:
		q.updateDepth()
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Defer schedules job to run again after the backoff delay for attempt. It
// reports false when the retry budget is exhausted or the queue is closed.
func (q *Queue[T]) Defer(_ context.Context, job T, attempt int) bool {
	if q.backoff.Exhausted(attempt) {
		return false
	}

	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return false
	default:
	}
	q.deferred.Add(1)
	q.mu.Unlock()

	delay := q.backoff.Delay(attempt)
	go func() {
		defer q.deferred.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if err := q.Enqueue(context.Background(), job); err != nil {
				q.logger.Debug("Dropped deferred job", zap.Error(err))
			}
		case <-q.done:
		}
	}()

	if q.metrics != nil {
		q.metrics.DeliveriesDeferred.Inc()
	}
	q.logger.Debug("Deferred job", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	return true
}

// Run processes jobs until ctx is cancelled or Close is called. Pending
// deferred jobs are dropped on return.
func (q *Queue[T]) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue already running")
	}
	q.running = true
	q.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-q.done:
		}
		q.Close()
		return nil
	})

	err := g.Wait()
	q.deferred.Wait()
	return err
}

func (q *Queue[T]) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case job := <-q.jobs:
			q.updateDepth()
			q.run(ctx, job)
		}
	}
}

func (q *Queue[T]) run(ctx context.Context, job T) {
	result := "ok"
	if err := q.handler(ctx, job); err != nil {
		result = "error"
		q.logger.Warn("Job failed", zap.Error(err))
	}
	if q.metrics != nil {
		q.metrics.JobsRun.WithLabelValues(result).Inc()
	}
}

// Close stops the workers. Jobs still queued are discarded.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of queued jobs.
func (q *Queue[T]) Len() int {
	return len(q.jobs)
}

func (q *Queue[T]) updateDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
	}
}
