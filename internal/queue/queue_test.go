package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flickrtwin/pkg/errors"
	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/metrics"
	"flickrtwin/pkg/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchLimiter admits calls only while open
type switchLimiter struct {
	open     atomic.Bool
	admitted atomic.Int32
}

func (l *switchLimiter) Remaining() int {
	if l.open.Load() {
		return 1
	}
	return 0
}

func (l *switchLimiter) Admit() error {
	if !l.open.Load() {
		return errors.ErrBudgetExceeded
	}
	l.admitted.Add(1)
	return nil
}

func testOptions(log logger.Logger) Options {
	return Options{
		Spacing:     time.Millisecond,
		Cooldown:    20 * time.Millisecond,
		TaskTimeout: time.Second,
		Logger:      log,
	}
}

func TestQueueDispatchesInFIFOOrder(t *testing.T) {
	opts := testOptions(logger.NewTestLogger())
	opts.Spacing = 5 * time.Millisecond
	q := New(ratelimit.NewBudget(100, time.Hour), opts)

	var (
		mu    sync.Mutex
		order []int
	)
	futures := make([]*Future, 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, q.Enqueue(func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}

	// Spacing is far longer than a task body, so dispatch order is run order.
	q.Start()
	defer q.Stop()

	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueueSpacesDispatches(t *testing.T) {
	opts := testOptions(logger.NewNopLogger())
	opts.Spacing = 20 * time.Millisecond
	q := New(ratelimit.NewBudget(100, time.Hour), opts)
	q.Start()
	defer q.Stop()

	start := time.Now()
	var last *Future
	for i := 0; i < 4; i++ {
		last = q.Enqueue(func(ctx context.Context) (interface{}, error) { return nil, nil })
	}
	_, err := last.Wait(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond, "three gaps of spacing between four dispatches")
}

func TestQueueCoolsDownOnExhaustedBudget(t *testing.T) {
	log := logger.NewTestLogger()
	limiter := &switchLimiter{}
	m := metrics.New(prometheus.NewRegistry())

	opts := testOptions(log)
	opts.Metrics = m
	q := New(limiter, opts)
	q.Start()
	defer q.Stop()

	var ran atomic.Bool
	f := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return "ok", nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "no dispatch without capacity")
	assert.Equal(t, 1, q.Pending())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.QueueCooldowns), 1.0)
	assert.True(t, log.HasMessage("Rate budget exhausted"))

	limiter.open.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err, "budget exhaustion is absorbed by the queue")
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), limiter.admitted.Load())
}

func TestQueueCancelAllRejectsPendingTasks(t *testing.T) {
	limiter := &switchLimiter{}
	m := metrics.New(prometheus.NewRegistry())
	opts := testOptions(logger.NewNopLogger())
	opts.Metrics = m
	q := New(limiter, opts)
	q.Start()
	defer q.Stop()

	var ran atomic.Int32
	futures := make([]*Future, 5)
	for i := range futures {
		futures[i] = q.Enqueue(func(ctx context.Context) (interface{}, error) {
			ran.Add(1)
			return nil, nil
		})
	}

	assert.Equal(t, 5, q.CancelAll())
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, errors.ErrCancelled)
	}

	limiter.open.Store(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load(), "cancelled tasks never run")
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueueCancelled))
}

func TestQueueTaskFailureIsIsolated(t *testing.T) {
	q := New(ratelimit.NewBudget(100, time.Hour), testOptions(logger.NewNopLogger()))
	q.Start()
	defer q.Stop()

	failing := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("upstream down")
	})
	next := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	_, err := failing.Wait(context.Background())
	assert.EqualError(t, err, "upstream down")

	v, err := next.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestQueueNeverExceedsBudget(t *testing.T) {
	budget := ratelimit.NewBudget(3, time.Hour)
	opts := testOptions(logger.NewNopLogger())
	opts.Cooldown = time.Hour
	q := New(budget, opts)
	q.Start()

	var ran atomic.Int32
	futures := make([]*Future, 6)
	for i := range futures {
		futures[i] = q.Enqueue(func(ctx context.Context) (interface{}, error) {
			ran.Add(1)
			return nil, nil
		})
	}

	for _, f := range futures[:3] {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	// Stop interrupts the cooldown and rejects the rest.
	q.Stop()
	for _, f := range futures[3:] {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, errors.ErrCancelled)
	}
	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, 0, budget.Remaining())
}

func TestQueueStopWaitsForInflightTasks(t *testing.T) {
	q := New(ratelimit.NewBudget(100, time.Hour), testOptions(logger.NewNopLogger()))
	q.Start()

	started := make(chan struct{})
	var finished atomic.Bool
	q.Enqueue(func(ctx context.Context) (interface{}, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})

	<-started
	q.Stop()
	assert.True(t, finished.Load(), "in-flight task runs to completion")

	f := q.Enqueue(func(ctx context.Context) (interface{}, error) { return nil, nil })
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, errors.ErrCancelled, "enqueue after stop is rejected")
}

func TestQueueTaskTimeout(t *testing.T) {
	opts := testOptions(logger.NewNopLogger())
	opts.TaskTimeout = 20 * time.Millisecond
	q := New(ratelimit.NewBudget(100, time.Hour), opts)
	q.Start()
	defer q.Stop()

	f := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo(t *testing.T) {
	q := New(ratelimit.NewBudget(100, time.Hour), testOptions(logger.NewNopLogger()))
	q.Start()
	defer q.Stop()

	t.Run("typed result", func(t *testing.T) {
		v, err := Do(context.Background(), q, func(ctx context.Context) (string, error) {
			return "hello", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
	})

	t.Run("nil pointer result", func(t *testing.T) {
		type payload struct{}
		v, err := Do(context.Background(), q, func(ctx context.Context) (*payload, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("caller context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Do(ctx, q, func(ctx context.Context) (int, error) {
			time.Sleep(10 * time.Millisecond)
			return 1, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
