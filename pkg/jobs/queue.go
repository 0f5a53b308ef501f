// Package jobs runs background work, such as asynchronous timetable
// generation runs, on a bounded in-process worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is returned by Enqueue before Start or after Stop.
var ErrNotStarted = errors.New("jobs: queue not started")

// Job is one unit of queued work.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// GiveUpFunc is told about jobs that exhausted their retries.
type GiveUpFunc func(context.Context, Job, error)

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// QueueConfig configures the worker pool.
type QueueConfig struct {
	Workers    int
	BufferSize int
	// MaxRetries of zero disables retries.
	MaxRetries int
	// RetryDelay is the first backoff; each retry doubles it up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	OnGiveUp      GiveUpFunc
	Logger        *zap.Logger
}

// Queue hands jobs to a fixed number of workers. A failing job is retried by
// the worker that ran it, so retries never outlive Stop.
type Queue struct {
	name    string
	handler Handler
	cfg     QueueConfig
	logger  *zap.Logger
	jobs    chan Job

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewQueue builds a queue around handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 30 * cfg.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("queue", name)),
		jobs:    make(chan Job, cfg.BufferSize),
	}
}

// Start launches the workers. Later calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.group != nil {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.group, _ = errgroup.WithContext(q.ctx)
	for i := 1; i <= q.cfg.Workers; i++ {
		worker := i
		q.group.Go(func() error {
			q.work(worker)
			return nil
		})
	}
	q.logger.Info("queue started", zap.Int("workers", q.cfg.Workers))
}

// Stop cancels the workers and waits for the running jobs to return. Jobs
// still buffered are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	group, cancel := q.group, q.cancel
	q.group = nil
	q.mu.Unlock()
	if group == nil {
		return
	}
	cancel()
	_ = group.Wait()
	q.logger.Info("queue stopped", zap.Int("dropped", len(q.jobs)))
}

// Pending returns the number of buffered jobs.
func (q *Queue) Pending() int { return len(q.jobs) }

// Enqueue pushes a job, blocking while the buffer is full.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	running, ctx := q.group != nil, q.ctx
	q.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %s", ErrNotStarted, q.name)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	}
}

func (q *Queue) work(worker int) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.run(worker, job)
		}
	}
}

// run executes job until it succeeds, fails permanently, runs out of
// retries or the queue stops.
func (q *Queue) run(worker int, job Job) {
	log := q.logger.With(zap.Int("worker", worker), zap.String("job_id", job.ID), zap.String("type", job.Type))
	delay := q.cfg.RetryDelay
	for {
		started := time.Now()
		err := q.handler(q.ctx, job)
		job.Attempt++
		if err == nil {
			log.Debug("job done", zap.Int("attempt", job.Attempt), zap.Duration("took", time.Since(started)))
			return
		}
		if IsPermanent(err) || job.Attempt > q.cfg.MaxRetries {
			log.Error("job failed permanently", zap.Int("attempt", job.Attempt), zap.Error(err))
			if q.cfg.OnGiveUp != nil {
				q.cfg.OnGiveUp(q.ctx, job, err)
			}
			return
		}
		log.Warn("job failed, retrying", zap.Int("attempt", job.Attempt), zap.Duration("backoff", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if delay *= 2; delay > q.cfg.MaxRetryDelay {
			delay = q.cfg.MaxRetryDelay
		}
	}
}
