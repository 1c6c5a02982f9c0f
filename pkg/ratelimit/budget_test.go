package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flickrtwin/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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

func TestBudgetRejectsCallOverCeiling(t *testing.T) {
	clock := newFakeClock()
	b := NewBudget(5, time.Hour, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Admit(), "call %d", i+1)
		clock.Advance(time.Second)
	}

	err := b.Admit()
	assert.True(t, errors.IsBudgetExceeded(err))
	assert.Equal(t, 0, b.Remaining())

	clock.Advance(time.Hour)
	assert.NoError(t, b.Admit(), "oldest calls aged out of the window")
}

func TestBudgetRemainingNeverNegative(t *testing.T) {
	clock := newFakeClock()
	b := NewBudget(3, time.Minute, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		_ = b.Admit()
		assert.GreaterOrEqual(t, b.Remaining(), 0)
	}
	assert.Equal(t, 3, b.Used())
}

func TestBudgetEvictsOnlyStaleCalls(t *testing.T) {
	clock := newFakeClock()
	b := NewBudget(2, time.Hour, WithClock(clock.Now))

	require.NoError(t, b.Admit())
	clock.Advance(30 * time.Minute)
	require.NoError(t, b.Admit())
	assert.Error(t, b.Admit())

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, b.Remaining(), "only the first call expired")
	assert.Equal(t, 30*time.Minute, b.OldestExpiry())
}

func TestBudgetConcurrentAdmission(t *testing.T) {
	b := NewBudget(100, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Admit() == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, admitted)
	assert.Equal(t, 0, b.Remaining())
}

func TestBudgetString(t *testing.T) {
	clock := newFakeClock()
	b := NewBudget(3500, time.Hour, WithClock(clock.Now))

	assert.Equal(t, "Used 0/3500 calls this hour.", b.String())

	require.NoError(t, b.Admit())
	clock.Advance(15*time.Minute + 30*time.Second)
	require.NoError(t, b.Admit())

	assert.Equal(t, "Used 2/3500 calls this hour. Oldest call expires in 00:44:30", b.String())
}

func TestBudgetSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	a := NewBudget(10, time.Hour, WithClock(clock.Now))
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Admit())
		clock.Advance(time.Minute)
	}

	stale := clock.Now().Add(-2 * time.Hour)
	b := NewBudget(10, time.Hour, WithClock(clock.Now))
	b.Restore(append(a.Snapshot(), stale))

	assert.Equal(t, 4, b.Used(), "stale entries are dropped on restore")
	assert.Equal(t, a.Snapshot(), b.Snapshot())

	b.Reset()
	assert.Equal(t, 10, b.Remaining())
}

func TestFileHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "history.json")

	h, err := NewFileHistory(path)
	require.NoError(t, err)

	calls, err := h.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, calls, "missing file is an empty history")

	now := time.Now().UTC().Truncate(time.Millisecond)
	want := []time.Time{now.Add(-time.Minute), now}
	require.NoError(t, h.Save(ctx, want))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file is renamed away")

	got, err := h.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range want {
		assert.True(t, want[i].Equal(got[i]))
	}
}

func TestFileHistoryCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	h, err := NewFileHistory(path)
	require.NoError(t, err)
	_, err = h.Load(context.Background())
	assert.Error(t, err)
}

func TestRedisHistory(t *testing.T) {
	addr := os.Getenv("FLICKRTWIN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLICKRTWIN_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	key := "flickrtwin:test:" + time.Now().Format("150405.000000")
	h := NewRedisHistory(addr, key, time.Hour)
	defer h.Close()
	require.NoError(t, h.Ping(ctx))

	now := time.Now()
	require.NoError(t, h.Save(ctx, []time.Time{now.Add(-2 * time.Hour), now.Add(-time.Minute), now}))

	got, err := h.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got[0].Before(got[1]))
}
