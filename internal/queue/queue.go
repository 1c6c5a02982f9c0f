package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flickrtwin/pkg/errors"
	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/metrics"
	"flickrtwin/pkg/ratelimit"

	"golang.org/x/time/rate"
)

// Task is one upstream request. It receives a context bounded by the task timeout.
type Task func(ctx context.Context) (interface{}, error)

// Future is the pending result of an enqueued task
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value interface{}, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed once the task has settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task settles or ctx is done
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	task   Task
	future *Future
}

// Options configure a Queue
type Options struct {
	// Spacing is the minimum interval between two dispatches
	Spacing time.Duration

	// Cooldown is how long the drain loop sleeps when the budget is exhausted
	Cooldown time.Duration

	// TaskTimeout bounds each dispatched task. Zero means no timeout.
	TaskTimeout time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns the pacing used against the public API
func DefaultOptions() Options {
	return Options{
		Spacing:     10 * time.Millisecond,
		Cooldown:    60 * time.Second,
		TaskTimeout: 30 * time.Second,
	}
}

// Queue serializes tasks through a rate budget. Tasks are dispatched in FIFO
// order, each on its own goroutine, so a slow or failing task never blocks
// the ones behind it.
type Queue struct {
	limiter     ratelimit.Limiter
	pacer       *rate.Limiter
	cooldown    time.Duration
	taskTimeout time.Duration
	logger      logger.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	pending []*item
	stopped bool
	wake    chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	drain    sync.WaitGroup
	inflight sync.WaitGroup
	stopOnce sync.Once
}

// New creates a queue drawing on limiter. Call Start before enqueueing work
// that must run.
func New(limiter ratelimit.Limiter, opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	every := rate.Inf
	if opts.Spacing > 0 {
		every = rate.Every(opts.Spacing)
	}

	return &Queue{
		limiter:     limiter,
		pacer:       rate.NewLimiter(every, 1),
		cooldown:    opts.Cooldown,
		taskTimeout: opts.TaskTimeout,
		logger:      logger.OrDefault(opts.Logger),
		metrics:     opts.Metrics,
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the drain loop
func (q *Queue) Start() {
	logger.LogComponentStart(q.logger, "queue", map[string]interface{}{
		"cooldown":     q.cooldown,
		"task_timeout": q.taskTimeout,
	})

	q.drain.Add(1)
	go q.run()
}

// Stop rejects every pending task, stops the drain loop and waits for
// in-flight tasks to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()

		cancelled := q.CancelAll()
		q.cancel()
		q.drain.Wait()
		q.inflight.Wait()

		logger.LogComponentStop(q.logger, "queue", fmt.Sprintf("stopped, %d pending tasks cancelled", cancelled))
	})
}

// Enqueue appends task to the queue and returns its future
func (q *Queue) Enqueue(task Task) *Future {
	f := newFuture()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		f.resolve(nil, errors.ErrCancelled)
		return f
	}
	q.pending = append(q.pending, &item{task: task, future: f})
	n := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetPending(n)
	q.signal()
	return f
}

// Pending returns the number of tasks waiting for dispatch
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CancelAll rejects every pending task with ErrCancelled without running it.
// In-flight tasks are not interrupted. It returns the number of rejected tasks.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	items := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range items {
		it.future.resolve(nil, errors.ErrCancelled)
	}

	if len(items) > 0 {
		q.logger.InfoWithFields("Cancelled pending requests", map[string]interface{}{
			"count": len(items),
		})
	}
	q.metrics.SetPending(0)
	q.metrics.AddCancelled(len(items))
	return len(items)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.drain.Done()

	for {
		if q.Pending() == 0 {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		if err := q.pacer.Wait(q.ctx); err != nil {
			return
		}

		it, err := q.next()
		if err != nil {
			if !errors.IsBudgetExceeded(err) {
				return
			}
			if !q.sleepCooldown() {
				return
			}
			continue
		}
		if it == nil {
			continue
		}
		q.dispatch(it)
	}
}

// next admits one call and pops the head of the queue. Budget admission and
// the pop happen under the queue lock so a concurrent CancelAll never leaves
// an admitted call without a task.
func (q *Queue) next() (*item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}
	if q.limiter.Remaining() <= 0 {
		return nil, errors.ErrBudgetExceeded
	}
	if err := q.limiter.Admit(); err != nil {
		return nil, err
	}

	it := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	q.metrics.SetPending(len(q.pending))
	q.metrics.SetBudgetRemaining(q.limiter.Remaining())
	return it, nil
}

func (q *Queue) dispatch(it *item) {
	q.metrics.IncDispatched()
	q.inflight.Add(1)

	go func() {
		defer q.inflight.Done()

		ctx := context.Background()
		if q.taskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, q.taskTimeout)
			defer cancel()
		}

		value, err := it.task(ctx)
		it.future.resolve(value, err)
	}()
}

// sleepCooldown pauses the drain loop. It returns false if the queue stopped.
func (q *Queue) sleepCooldown() bool {
	logger.LogCooldown(q.logger, q.Pending(), q.cooldown)
	q.metrics.IncCooldown()

	timer := time.NewTimer(q.cooldown)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// Do enqueues fn and waits for its typed result. When ctx ends first the task
// still runs if it was already dispatched; only the wait is abandoned.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	f := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})

	value, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	out, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("queue: unexpected result type %T", value)
	}
	return out, nil
}
