package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/metrics"
)

// DisplayFunc receives the completion percentage and the counter summary on
// every state change
type DisplayFunc func(percentage float64, message string)

// Stats is a point-in-time copy of the tracker counters
type Stats struct {
	TotalInputs     int `json:"total_inputs"`
	InputsProcessed int `json:"inputs_processed"`
	TotalPages      int `json:"total_pages"`
	PagesProcessed  int `json:"pages_processed"`
	Duplicates      int `json:"duplicates"`
	Errors          int `json:"errors"`
}

// Outstanding is the number of expected pages that have neither completed
// nor failed
func (s Stats) Outstanding() int {
	return s.TotalPages - (s.PagesProcessed + s.Errors)
}

// Percentage is the share of expected pages that settled. An empty batch is
// complete.
func (s Stats) Percentage() float64 {
	if s.TotalPages <= 0 {
		return 100
	}
	return 100 * float64(s.PagesProcessed+s.Errors) / float64(s.TotalPages)
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d : %d/%d", s.InputsProcessed, s.TotalInputs, s.PagesProcessed, s.TotalPages)
	if s.Duplicates > 0 {
		fmt.Fprintf(&b, ", %d dups", s.Duplicates)
	}
	if s.Errors > 0 {
		fmt.Fprintf(&b, ", %d errs", s.Errors)
	}
	return b.String()
}

// gate is a pending wait released the first time its predicate holds
type gate struct {
	ready func() bool
	done  chan struct{}
}

// Tracker counts expected against completed requests of one batch operation.
// Primary tasks are first pages of an input, secondary tasks are the pages
// they reveal.
type Tracker struct {
	operation string
	display   DisplayFunc
	logger    logger.Logger
	metrics   *metrics.Metrics

	mu               sync.Mutex
	stats            Stats
	pendingPrimary   int
	pendingSecondary int
	reserved         int
	reservedPages    int
	gates            []*gate
}

// Option configures a Tracker
type Option func(*Tracker)

// WithDisplay sets the progress callback
func WithDisplay(fn DisplayFunc) Option {
	return func(t *Tracker) { t.display = fn }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics counts batch errors
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker for one batch operation
func New(operation string, opts ...Option) *Tracker {
	t := &Tracker{operation: operation}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logger.OrDefault(t.logger).WithField("operation", operation)
	return t
}

// Expect counts n inputs up front so the denominator is known before the
// first task is registered. Await and Duplicate consume expected inputs
// before growing the totals.
func (t *Tracker) Expect(n int) {
	if n <= 0 {
		return
	}
	t.update(func(s *Stats) {
		s.TotalInputs += n
		s.TotalPages += n
		t.reserved += n
	})
}

// Await registers a primary task and runs fn on its own goroutine. Success
// counts one input and one page, failure counts one error.
func (t *Tracker) Await(id string, fn func() error) {
	t.mu.Lock()
	if t.reserved > 0 {
		t.reserved--
	} else {
		t.stats.TotalInputs++
		t.stats.TotalPages++
	}
	t.pendingPrimary++
	t.mu.Unlock()

	go func() {
		err := fn()
		t.settle(id, err, true)
	}()
}

// AwaitSub registers a secondary task and runs fn on its own goroutine.
// It consumes a page announced by UpdatePages before growing the total.
// Success counts one page, failure counts one error.
func (t *Tracker) AwaitSub(id string, fn func() error) {
	t.mu.Lock()
	if t.reservedPages > 0 {
		t.reservedPages--
	} else {
		t.stats.TotalPages++
	}
	t.pendingSecondary++
	t.mu.Unlock()

	go func() {
		err := fn()
		t.settle(id, err, false)
	}()
}

func (t *Tracker) settle(id string, err error, primary bool) {
	if err != nil {
		t.logger.ErrorWithFields("Error processing item", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
		t.metrics.IncBatchError(t.operation)
	}

	t.update(func(s *Stats) {
		if primary {
			t.pendingPrimary--
		} else {
			t.pendingSecondary--
		}
		switch {
		case err != nil:
			s.Errors++
		case primary:
			s.InputsProcessed++
			s.PagesProcessed++
		default:
			s.PagesProcessed++
		}
	})
}

// UpdatePages grows the expected page count once a first page reports the
// total and reserves the remaining pages for the AwaitSub calls that follow.
// The first page is already counted, and one or fewer pages adds nothing.
func (t *Tracker) UpdatePages(pages int) {
	if pages <= 1 {
		return
	}
	t.update(func(s *Stats) {
		s.TotalPages += pages - 1
		t.reservedPages += pages - 1
	})
}

// Duplicate records an input skipped before it was fetched and removes it
// from the expected totals
func (t *Tracker) Duplicate(id string) {
	if id != "" {
		t.logger.WarnWithFields("Item already processed", map[string]interface{}{
			"id": id,
		})
	}
	t.update(func(s *Stats) {
		s.Duplicates++
		if t.reserved > 0 {
			t.reserved--
			s.TotalInputs--
			s.TotalPages--
		}
	})
}

// Error records a failed item without a registered task
func (t *Tracker) Error(id string, err error) {
	fields := map[string]interface{}{"id": id}
	if err != nil {
		fields["error"] = err.Error()
	}
	t.logger.ErrorWithFields("Error processing item", fields)
	t.metrics.IncBatchError(t.operation)

	t.update(func(s *Stats) {
		s.Errors++
	})
}

// update mutates the counters in one critical section, releases every gate
// whose predicate now holds and reports progress outside the lock.
func (t *Tracker) update(fn func(s *Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.releaseGates()
	stats := t.stats
	t.mu.Unlock()

	logger.LogBatchProgress(t.logger, t.operation, stats.Percentage(), stats.String())
	if t.display != nil {
		t.display(stats.Percentage(), stats.String())
	}
}

// releaseGates must be called with t.mu held
func (t *Tracker) releaseGates() {
	kept := t.gates[:0]
	for _, g := range t.gates {
		if g.ready() {
			close(g.done)
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(t.gates); i++ {
		t.gates[i] = nil
	}
	t.gates = kept
}

// wait blocks until ready holds, evaluating it now and after every update
func (t *Tracker) wait(ctx context.Context, ready func() bool) error {
	t.mu.Lock()
	if ready() {
		t.mu.Unlock()
		return nil
	}
	g := &gate{ready: ready, done: make(chan struct{})}
	t.gates = append(t.gates, g)
	t.mu.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		for i, other := range t.gates {
			if other == g {
				t.gates = append(t.gates[:i], t.gates[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		return ctx.Err()
	}
}

// WaitForProgress blocks until fewer than remaining expected pages are
// outstanding.
func (t *Tracker) WaitForProgress(ctx context.Context, remaining int) error {
	return t.wait(ctx, func() bool {
		return t.stats.Outstanding() < remaining
	})
}

// AllSettled blocks until every primary task has settled, then until every
// secondary task has settled.
func (t *Tracker) AllSettled(ctx context.Context) error {
	if err := t.wait(ctx, func() bool { return t.pendingPrimary == 0 }); err != nil {
		return err
	}
	return t.wait(ctx, func() bool { return t.pendingSecondary == 0 })
}

// Stats returns a copy of the counters
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) String() string {
	return t.Stats().String()
}

// Done logs and returns the completion summary
func (t *Tracker) Done() string {
	s := t.Stats()

	msg := fmt.Sprintf("Done. Processed %d/%d items over %d requests", s.InputsProcessed, s.TotalInputs, s.PagesProcessed)
	if s.Duplicates > 0 {
		msg += fmt.Sprintf(" with %d duplicates", s.Duplicates)
	}
	if s.Errors > 0 {
		prefix := "with"
		if s.Duplicates > 0 {
			prefix = "and"
		}
		msg += fmt.Sprintf(" %s %d errors", prefix, s.Errors)
	}
	msg += "."

	t.logger.InfoWithFields(msg, map[string]interface{}{
		"inputs":     s.InputsProcessed,
		"pages":      s.PagesProcessed,
		"duplicates": s.Duplicates,
		"errors":     s.Errors,
	})
	return msg
}
