package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"flickrtwin/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockUntil returns a task that blocks until the channel is closed
func blockUntil(ch <-chan struct{}, err error) func() error {
	return func() error {
		<-ch
		return err
	}
}

func settled(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.AllSettled(ctx))
}

func TestTrackerCountsPrimaryAndSecondary(t *testing.T) {
	tr := New("test", WithLogger(logger.NewNopLogger()))

	tr.Await("photo1", func() error {
		tr.UpdatePages(3)
		tr.AwaitSub("photo1 p2", func() error { return nil })
		tr.AwaitSub("photo1 p3", func() error { return nil })
		return nil
	})
	tr.Await("photo2", func() error { return fmt.Errorf("boom") })

	settled(t, tr)

	s := tr.Stats()
	assert.Equal(t, 2, s.TotalInputs)
	assert.Equal(t, 1, s.InputsProcessed)
	assert.Equal(t, 4, s.TotalPages)
	assert.Equal(t, 3, s.PagesProcessed)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 0, s.Outstanding())
	assert.Equal(t, "1/2 : 3/4, 1 errs", tr.String())
}

func TestTrackerAllSettledOrdersPrimaryBeforeSecondary(t *testing.T) {
	tr := New("test", WithLogger(logger.NewNopLogger()))

	primary := make(chan struct{})
	secondary := make(chan struct{})
	tr.AwaitSub("sub", blockUntil(secondary, nil))
	tr.Await("main", blockUntil(primary, nil))

	done := make(chan error, 1)
	go func() { done <- tr.AllSettled(context.Background()) }()

	close(secondary)
	select {
	case <-done:
		t.Fatal("AllSettled returned before primary tasks settled")
	case <-time.After(30 * time.Millisecond):
	}

	close(primary)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AllSettled did not return")
	}
}

func TestTrackerWaitsForSubpagesRegisteredByPrimary(t *testing.T) {
	tr := New("test", WithLogger(logger.NewNopLogger()))
	sub := make(chan struct{})

	tr.Await("main", func() error {
		tr.AwaitSub("sub", blockUntil(sub, nil))
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = tr.AllSettled(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AllSettled ignored a pending secondary task")
	case <-time.After(30 * time.Millisecond):
	}
	close(sub)
	<-done
	assert.Equal(t, 2, tr.Stats().PagesProcessed)
}

func TestTrackerDuplicate(t *testing.T) {
	log := logger.NewTestLogger()
	tr := New("test", WithLogger(log))

	tr.Expect(3)
	assert.Equal(t, "0/3 : 0/3", tr.String())

	tr.Await("a", func() error { return nil })
	tr.Duplicate("a")
	tr.Await("b", func() error { return nil })
	settled(t, tr)

	s := tr.Stats()
	assert.Equal(t, 1, s.Duplicates)
	assert.Equal(t, 2, s.TotalInputs, "skipped input leaves the denominator")
	assert.Equal(t, 2, s.TotalPages)
	assert.Equal(t, 2, s.InputsProcessed)
	assert.Equal(t, "2/2 : 2/2, 1 dups", tr.String())
	assert.True(t, log.HasMessage("already processed"))

	tr.Duplicate("c")
	assert.Equal(t, 2, tr.Stats().TotalInputs, "unexpected duplicates never shrink the totals")
}

func TestUpdatePagesReservesSubpages(t *testing.T) {
	tr := New("test", WithLogger(logger.NewNopLogger()))

	tr.Expect(1)
	tr.Await("photo1", func() error {
		tr.UpdatePages(3)
		tr.AwaitSub("photo1 p2", func() error { return nil })
		tr.AwaitSub("photo1 p3", func() error { return nil })
		return nil
	})
	settled(t, tr)

	s := tr.Stats()
	assert.Equal(t, 3, s.TotalPages, "announced pages are counted once")
	assert.Equal(t, 3, s.PagesProcessed)
	assert.Equal(t, 0, s.Outstanding())
	assert.Equal(t, 100.0, s.Percentage())
	assert.Equal(t, "1/1 : 3/3", tr.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForProgress(ctx, 1))

	// a secondary task beyond the announced pages grows the total
	tr.AwaitSub("extra", func() error { return nil })
	settled(t, tr)
	assert.Equal(t, "1/1 : 4/4", tr.String())
}

func TestUpdatePagesIgnoresZero(t *testing.T) {
	tr := New("test", WithLogger(logger.NewNopLogger()))
	tr.UpdatePages(0)
	tr.UpdatePages(1)
	assert.Equal(t, 0, tr.Stats().TotalPages)
	tr.UpdatePages(5)
	assert.Equal(t, 4, tr.Stats().TotalPages)
}

func TestWaitForProgress(t *testing.T) {
	t.Run("resolves immediately when already satisfied", func(t *testing.T) {
		tr := New("test", WithLogger(logger.NewNopLogger()))
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		assert.NoError(t, tr.WaitForProgress(ctx, 1))
	})

	t.Run("resolves once outstanding drops below threshold", func(t *testing.T) {
		tr := New("test", WithLogger(logger.NewNopLogger()))
		gates := make([]chan struct{}, 4)
		for i := range gates {
			gates[i] = make(chan struct{})
			tr.Await(fmt.Sprint(i), blockUntil(gates[i], nil))
		}

		released := make(chan error, 1)
		go func() { released <- tr.WaitForProgress(context.Background(), 2) }()

		close(gates[0])
		close(gates[1])
		select {
		case <-released:
			t.Fatal("gate released with 2 outstanding")
		case <-time.After(30 * time.Millisecond):
		}

		close(gates[2])
		select {
		case err := <-released:
			assert.NoError(t, err)
			assert.Less(t, tr.Stats().Outstanding(), 2)
		case <-time.After(time.Second):
			t.Fatal("gate never released")
		}
		close(gates[3])
		settled(t, tr)
	})

	t.Run("errors count as progress", func(t *testing.T) {
		tr := New("test", WithLogger(logger.NewNopLogger()))
		failed := make(chan struct{})
		tr.Await("x", blockUntil(failed, fmt.Errorf("fail")))

		released := make(chan error, 1)
		go func() { released <- tr.WaitForProgress(context.Background(), 1) }()
		close(failed)

		select {
		case err := <-released:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("gate never released")
		}
	})

	t.Run("independent gates", func(t *testing.T) {
		tr := New("test", WithLogger(logger.NewNopLogger()))
		gates := make([]chan struct{}, 3)
		for i := range gates {
			gates[i] = make(chan struct{})
			tr.Await(fmt.Sprint(i), blockUntil(gates[i], nil))
		}

		var wg sync.WaitGroup
		results := make([]time.Time, 3)
		for k := 1; k <= 3; k++ {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				_ = tr.WaitForProgress(context.Background(), k)
				results[k-1] = time.Now()
			}(k)
		}
		time.Sleep(10 * time.Millisecond)

		for _, g := range gates {
			close(g)
			time.Sleep(10 * time.Millisecond)
		}
		wg.Wait()

		assert.False(t, results[2].After(results[1]), "looser gate releases no later")
		assert.False(t, results[1].After(results[0]))
	})

	t.Run("context cancellation", func(t *testing.T) {
		tr := New("test", WithLogger(logger.NewNopLogger()))
		block := make(chan struct{})
		defer close(block)
		tr.Await("x", blockUntil(block, nil))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, tr.WaitForProgress(ctx, 1), context.DeadlineExceeded)

		tr.mu.Lock()
		assert.Empty(t, tr.gates, "abandoned gate is removed")
		tr.mu.Unlock()
	})
}

func TestTrackerDisplay(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []float64
		msgs  []string
	)
	tr := New("test",
		WithLogger(logger.NewNopLogger()),
		WithDisplay(func(pct float64, msg string) {
			mu.Lock()
			calls = append(calls, pct)
			msgs = append(msgs, msg)
			mu.Unlock()
		}),
	)

	tr.Await("a", func() error { return nil })
	tr.Await("b", func() error { return fmt.Errorf("x") })
	settled(t, tr)

	// the last display call may run just after AllSettled returns
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, calls, 100.0)
	assert.Contains(t, msgs, "1/2 : 1/2, 1 errs")
}

func TestTrackerDone(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  string
	}{
		{"clean", Stats{TotalInputs: 2, InputsProcessed: 2, PagesProcessed: 5},
			"Done. Processed 2/2 items over 5 requests."},
		{"dups", Stats{TotalInputs: 2, InputsProcessed: 2, PagesProcessed: 2, Duplicates: 1},
			"Done. Processed 2/2 items over 2 requests with 1 duplicates."},
		{"errs", Stats{TotalInputs: 2, InputsProcessed: 1, PagesProcessed: 1, Errors: 1},
			"Done. Processed 1/2 items over 1 requests with 1 errors."},
		{"both", Stats{TotalInputs: 3, InputsProcessed: 2, PagesProcessed: 2, Duplicates: 1, Errors: 1},
			"Done. Processed 2/3 items over 2 requests with 1 duplicates and 1 errors."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New("test", WithLogger(logger.NewNopLogger()))
			tr.stats = tt.stats
			assert.Equal(t, tt.want, tr.Done())
		})
	}
}

func TestStatsPercentage(t *testing.T) {
	assert.Equal(t, 100.0, Stats{}.Percentage())
	assert.Equal(t, 50.0, Stats{TotalPages: 4, PagesProcessed: 1, Errors: 1}.Percentage())
}
