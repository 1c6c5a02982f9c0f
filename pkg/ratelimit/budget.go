package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"flickrtwin/pkg/errors"
)

// Limiter is the admission contract the request queue drains against
type Limiter interface {
	// Remaining reports how many calls could be admitted right now
	Remaining() int
	// Admit records a call, or fails with errors.ErrBudgetExceeded
	Admit() error
}

// Budget implements a sliding window call budget
type Budget struct {
	window  time.Duration
	ceiling int
	calls   []time.Time
	now     func() time.Time
	mu      sync.Mutex
}

// Option configures a Budget
type Option func(*Budget)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(b *Budget) { b.now = now }
}

// NewBudget creates a budget admitting at most ceiling calls per window
func NewBudget(ceiling int, window time.Duration, opts ...Option) *Budget {
	b := &Budget{
		window:  window,
		ceiling: ceiling,
		calls:   make([]time.Time, 0, ceiling),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Remaining reports how many calls may still be admitted in the current window
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(b.now())
	if left := b.ceiling - len(b.calls); left > 0 {
		return left
	}
	return 0
}

// Admit records a call if the window has capacity
func (b *Budget) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evict(now)
	if len(b.calls) >= b.ceiling {
		return errors.ErrBudgetExceeded
	}
	b.calls = append(b.calls, now)
	return nil
}

// Used reports how many calls are inside the current window
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(b.now())
	return len(b.calls)
}

// Ceiling returns the number of calls allowed per window
func (b *Budget) Ceiling() int {
	return b.ceiling
}

// OldestExpiry returns how long until the oldest recorded call leaves the window
func (b *Budget) OldestExpiry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evict(now)
	if len(b.calls) == 0 {
		return 0
	}
	return b.calls[0].Add(b.window).Sub(now)
}

// String renders the budget the way the status command shows it
func (b *Budget) String() string {
	used := b.Used()
	if used == 0 {
		return fmt.Sprintf("Used 0/%d calls this %s.", b.ceiling, windowName(b.window))
	}
	return fmt.Sprintf("Used %d/%d calls this %s. Oldest call expires in %s",
		used, b.ceiling, windowName(b.window), clock(b.OldestExpiry()))
}

// Snapshot returns a copy of the calls inside the current window, oldest first
func (b *Budget) Snapshot() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(b.now())
	out := make([]time.Time, len(b.calls))
	copy(out, b.calls)
	return out
}

// Restore merges previously recorded calls into the history
func (b *Budget) Restore(calls []time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, calls...)
	sort.Slice(b.calls, func(i, j int) bool { return b.calls[i].Before(b.calls[j]) })
	b.evict(b.now())
}

// Reset clears all recorded calls
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = b.calls[:0]
}

// evict drops calls that fell out of the window. Caller holds mu.
func (b *Budget) evict(now time.Time) {
	cutoff := now.Add(-b.window)

	i := 0
	for i < len(b.calls) && !b.calls[i].After(cutoff) {
		i++
	}

	if i > 0 {
		copy(b.calls, b.calls[i:])
		b.calls = b.calls[:len(b.calls)-i]
	}
}

func windowName(window time.Duration) string {
	switch window {
	case time.Hour:
		return "hour"
	case time.Minute:
		return "minute"
	default:
		return window.String() + " window"
	}
}

// clock formats d as HH:MM:SS
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
