// Package tasks runs orchestration work off the request path: a bounded
// worker pool for dispatched tasks and a timer-driven scheduler for
// periodic and delayed work.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("task queue is closed")

// Queue hands tasks of type T to a fixed-size pool. Dispatch never waits:
// tasks beyond the pool's capacity wait in a backlog that a single feeder
// moves into the pool, so a handler may dispatch follow-up work without
// holding its worker hostage.
type Queue[T any] struct {
	pool    *ants.PoolWithFunc
	handler func(context.Context, T)
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *plog.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	backlog []T
	closed  bool
	wake    chan struct{}
	fed     chan struct{}
}

type QueueOption func(*queueOptions)

type queueOptions struct {
	logger *plog.Logger
}

func WithQueueLogger(l *plog.Logger) QueueOption {
	return func(o *queueOptions) { o.logger = l }
}

// NewQueue starts a pool of size workers running handler. The handler's
// context is cancelled by Close.
func NewQueue[T any](size int, handler func(context.Context, T), opts ...QueueOption) (*Queue[T], error) {
	o := queueOptions{logger: plog.NewDefault()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		logger:  o.logger,
		wake:    make(chan struct{}, 1),
		fed:     make(chan struct{}),
	}

	pool, err := ants.NewPoolWithFunc(size, q.run, ants.WithPanicHandler(func(p any) {
		o.logger.Error("task panicked", "panic", fmt.Sprint(p))
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	q.pool = pool
	go q.feed()
	return q, nil
}

func (q *Queue[T]) run(arg any) {
	defer q.wg.Done()
	q.handler(q.ctx, arg.(T))
}

// Dispatch queues a task and returns immediately.
func (q *Queue[T]) Dispatch(task T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.wg.Add(1)
	q.backlog = append(q.backlog, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// feed moves the backlog into the pool in dispatch order, blocking while
// every worker is busy.
func (q *Queue[T]) feed() {
	defer close(q.fed)
	for {
		if q.ctx.Err() != nil {
			q.drop()
			return
		}
		task, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				q.drop()
				return
			}
		}
		if err := q.pool.Invoke(task); err != nil {
			q.wg.Done()
			if errors.Is(err, ants.ErrPoolClosed) {
				q.drop()
				return
			}
			q.logger.Error("failed to start task", "error", err)
		}
	}
}

func (q *Queue[T]) next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var task T
	if len(q.backlog) == 0 {
		return task, false
	}
	task = q.backlog[0]
	q.backlog[0] = *new(T)
	q.backlog = q.backlog[1:]
	return task, true
}

// drop discards the backlog once the queue is closed.
func (q *Queue[T]) drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if n := len(q.backlog); n > 0 {
		q.logger.Warn("dropping queued tasks", "count", n)
		for range q.backlog {
			q.wg.Done()
		}
		q.backlog = nil
	}
}

// Pending counts tasks waiting for a worker.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Wait blocks until every dispatched task has returned.
func (q *Queue[T]) Wait() {
	q.wg.Wait()
}

func (q *Queue[T]) Running() int {
	return q.pool.Running()
}

// Close cancels running tasks, drops the backlog and waits up to timeout
// for running tasks to return.
func (q *Queue[T]) Close(timeout time.Duration) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	select {
	case <-q.fed:
	case <-time.After(timeout):
	}
	return q.pool.ReleaseTimeout(timeout)
}
