package crawl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"flickrtwin/internal/graph"
	"flickrtwin/internal/progress"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/flickr"
	"flickrtwin/pkg/logger"
)

type userState int

const (
	statePending userState = iota // first page in flight
	stateReady
	stateFailed
)

// Scheduler runs one budget-bounded best-first crawl over ranked users. It
// samples many promising users shallowly before exhausting any single one.
type Scheduler struct {
	cfg     config.CrawlConfig
	api     API
	users   *graph.Users
	photos  *graph.Photos
	tracker *progress.Tracker
	logger  logger.Logger

	// mu guards the per-run working state mutated by fetch completions
	mu         sync.Mutex
	state      map[string]userState
	multiplier map[string]float64

	active  []string
	backlog []string
	budget  int
	issued  int

	activeSetSize int
}

// NewScheduler creates a scheduler for one run. Completions are counted on
// tracker, which the caller settles after Run returns.
func NewScheduler(cfg config.CrawlConfig, api API, users *graph.Users, photos *graph.Photos, tracker *progress.Tracker, log logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		api:        api,
		users:      users,
		photos:     photos,
		tracker:    tracker,
		logger:     logger.OrDefault(log).WithField("component", "scheduler"),
		state:      make(map[string]userState),
		multiplier: make(map[string]float64),
	}
}

// plan sizes the active set from budget and splits candidates into the
// initial active set and the backlog
func (s *Scheduler) plan(candidates []string, budget int) {
	s.budget = budget
	s.activeSetSize = budget / max(s.cfg.CallsPerUser, 1)
	s.activeSetSize = max(1, min(s.activeSetSize, s.cfg.MaxActiveUsers))

	n := min(s.activeSetSize, len(candidates))
	s.active = append([]string(nil), candidates[:n]...)

	rest := candidates[n:]
	limit := min(budget, s.cfg.MaxBacklog)
	if len(rest) > limit {
		rest = rest[:limit]
	}
	s.backlog = append([]string(nil), rest...)
}

// Run crawls candidates, ranked best first, issuing at most budget calls.
// It returns the number of calls issued. Fetch failures are counted on the
// tracker and never abort the run.
func (s *Scheduler) Run(ctx context.Context, candidates []string, budget int) (int, error) {
	if budget <= 0 || len(candidates) == 0 {
		return 0, nil
	}
	s.plan(candidates, budget)

	s.logger.InfoWithFields("Starting smart crawl", map[string]interface{}{
		"budget":          budget,
		"candidates":      len(candidates),
		"active_set_size": s.activeSetSize,
		"backlog":         len(s.backlog),
	})

	for _, id := range s.active {
		if s.budget <= 0 {
			break
		}
		s.fetchInitialPage(ctx, id)
	}

	threshold := ceilDiv(s.activeSetSize, max(s.cfg.BackpressureDivisor, 1))

	for s.budget > 0 && (len(s.active) > 0 || len(s.backlog) > 0) {
		if err := ctx.Err(); err != nil {
			return s.issued, err
		}

		s.dropExhausted()
		s.refill(ctx)
		if len(s.active) == 0 {
			break
		}

		if err := s.tracker.WaitForProgress(ctx, threshold); err != nil {
			return s.issued, err
		}

		top := s.rank()
		if s.stateOf(top) == statePending {
			if err := s.awaitInitialPage(ctx, top); err != nil {
				return s.issued, err
			}
			continue
		}
		if s.exhausted(top) {
			continue
		}
		s.fetchNextPage(ctx, top)
	}

	s.logger.InfoWithFields("Smart crawl issued all requests", map[string]interface{}{
		"issued":      s.issued,
		"budget_left": s.budget,
	})
	return s.issued, nil
}

// dropExhausted removes failed and fully requested users from the active set
func (s *Scheduler) dropExhausted() {
	kept := s.active[:0]
	for _, id := range s.active {
		if !s.exhausted(id) {
			kept = append(kept, id)
		}
	}
	s.active = kept
}

// refill tops up the active set from the backlog. An empty active set always
// takes one user so the run can make progress on a small budget.
func (s *Scheduler) refill(ctx context.Context) {
	target := min(int(s.cfg.RefillRatio*float64(s.activeSetSize)), s.budget/2)
	for len(s.backlog) > 0 && s.budget > 0 && (len(s.active) < target || len(s.active) == 0) {
		id := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.active = append(s.active, id)
		s.fetchInitialPage(ctx, id)
	}
}

// rank sorts the active set by score * multiplier, ready users before
// pending ones, and returns the top user
func (s *Scheduler) rank() string {
	type ranked struct {
		id       string
		priority float64
		ready    bool
	}

	s.mu.Lock()
	rs := make([]ranked, len(s.active))
	for i, id := range s.active {
		rs[i] = ranked{
			id:       id,
			priority: s.users.Score(id) * s.multiplier[id],
			ready:    s.state[id] == stateReady,
		}
	}
	s.mu.Unlock()

	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].priority != rs[j].priority {
			return rs[i].priority > rs[j].priority
		}
		return rs[i].ready && !rs[j].ready
	})
	for i, r := range rs {
		s.active[i] = r.id
	}
	return s.active[0]
}

// awaitInitialPage blocks until at least one more request settles. The state
// is rechecked after reading the counters, since a completion updates the
// user state before it is counted.
func (s *Scheduler) awaitInitialPage(ctx context.Context, id string) error {
	outstanding := s.tracker.Stats().Outstanding()
	if s.stateOf(id) != statePending {
		return nil
	}
	return s.tracker.WaitForProgress(ctx, outstanding)
}

func (s *Scheduler) stateOf(id string) userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[id]
}

func (s *Scheduler) exhausted(id string) bool {
	s.mu.Lock()
	st := s.state[id]
	s.mu.Unlock()

	switch st {
	case stateFailed:
		return true
	case statePending:
		return false
	}
	u, ok := s.users.Get(id)
	return !ok || u.PagesRequested >= u.TotalPages
}

func (s *Scheduler) setState(id string, st userState, multiplier float64) {
	s.mu.Lock()
	s.state[id] = st
	s.multiplier[id] = multiplier
	s.mu.Unlock()
}

// fetchInitialPage spends one budget unit on the user's first favorites page.
// A user contributes no priority until that page arrives; a failure retires
// the user for the rest of the run.
func (s *Scheduler) fetchInitialPage(ctx context.Context, id string) {
	s.budget--
	s.issued++

	s.users.Upsert(flickr.Person{NSID: id})
	s.users.Update(id, func(u *graph.User) {
		u.PagesRequested = 1
	})
	s.setState(id, statePending, 0)

	s.tracker.Await(id, func() error {
		resp, err := s.api.GetUserFavorites(ctx, id, 1)
		if err != nil {
			s.users.Update(id, func(u *graph.User) {
				u.TotalPages = 0
				u.PagesRequested = 0
				u.PagesProcessed = 0
			})
			s.setState(id, stateFailed, 0)
			return err
		}

		pages := capUserPages(s.logger, s.cfg.MaxUserPages, id, int(resp.Pages))

		s.photos.AddUserFavorites(id, resp)
		s.users.Update(id, func(u *graph.User) {
			u.TotalPages = pages
			u.PagesProcessed = 1
		})
		s.setState(id, stateReady, 1)
		return nil
	})
}

// fetchNextPage spends one budget unit on the user's next unrequested page
// and decays the user's multiplier, forcing it to zero once every page has
// been requested
func (s *Scheduler) fetchNextPage(ctx context.Context, id string) {
	s.budget--
	s.issued++

	var page, total int
	s.users.Update(id, func(u *graph.User) {
		u.PagesRequested++
		page = u.PagesRequested
		total = u.TotalPages
	})

	s.mu.Lock()
	s.multiplier[id] *= s.cfg.Decay
	if page >= total {
		s.multiplier[id] = 0
	}
	s.mu.Unlock()

	s.tracker.AwaitSub(fmt.Sprintf("%s page %d", id, page), func() error {
		resp, err := s.api.GetUserFavorites(ctx, id, page)
		if err != nil {
			return err
		}
		s.photos.AddUserFavorites(id, resp)
		s.users.Update(id, func(u *graph.User) {
			u.PagesProcessed++
		})
		return nil
	})
}

// capUserPages limits how many favorites pages of one user are read
func capUserPages(log logger.Logger, limit int, userID string, pages int) int {
	if pages <= limit {
		return pages
	}
	log.WarnWithFields("User has more favorites pages than the crawl reads", map[string]interface{}{
		"user":  userID,
		"pages": pages,
		"limit": limit,
	})
	return limit
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
