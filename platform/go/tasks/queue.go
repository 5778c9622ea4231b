// Package tasks runs fire-and-forget work off the request path with bounded retries.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Task is one unit of background work. Run is retried until it succeeds, returns a
// backoff.Permanent error, or runs out of attempts.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	Workers  int
	Capacity int
	MaxTries uint
	// InitialInterval seeds the exponential backoff between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Queue is a bounded worker pool. Enqueue never blocks the caller.
type Queue struct {
	cfg    Config
	logger *zap.Logger
	tasks  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

var ErrQueueStopped = errors.New("task queue stopped")

func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "tasks")),
		tasks:  make(chan Task, cfg.Capacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for range q.cfg.Workers {
		q.wg.Add(1)
		go q.work()
	}
}

// Enqueue hands t to the workers. It reports false when the queue is full or stopped;
// the task is dropped in that case.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("task dropped: queue stopped", zap.String("task", t.Name))
		return false
	}

	select {
	case q.tasks <- t:
		return true
	default:
		q.logger.Warn("task dropped: queue full", zap.String("task", t.Name))
		return false
	}
}

// Stop stops accepting tasks and waits for queued ones to finish. When ctx ends first,
// in-flight tasks are cancelled and ctx.Err() is returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	started := q.started
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialInterval
	b.MaxInterval = q.cfg.MaxInterval

	attempt := 0
	_, err := backoff.Retry(q.ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, t.Run(q.ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(q.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Warn("task attempt failed",
				zap.String("task", t.Name),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		q.logger.Error("task failed", zap.String("task", t.Name), zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	q.logger.Debug("task completed", zap.String("task", t.Name), zap.Int("attempts", attempt))
}
