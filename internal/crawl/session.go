package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flickrtwin/internal/graph"
	"flickrtwin/internal/progress"
	"flickrtwin/internal/queue"
	"flickrtwin/internal/storage"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/flickr"
	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/metrics"
	"flickrtwin/pkg/ratelimit"

	"github.com/google/uuid"
)

// Session owns the budget, the request queue and the favorite graph of one
// crawler process. Every batch operation runs through it.
type Session struct {
	ID        string
	StartedAt time.Time

	cfg    config.CrawlConfig
	budget *ratelimit.Budget
	queue  *queue.Queue
	api    API
	users  *graph.Users
	photos *graph.Photos

	display progress.DisplayFunc
	logger  logger.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	processed graph.Set
	excluded  graph.Set
	hidden    graph.Set
	current   *progress.Tracker
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics enables Prometheus metrics for the session and its queue
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDisplay sets the progress callback of every batch operation
func WithDisplay(fn progress.DisplayFunc) Option {
	return func(s *Session) { s.display = fn }
}

// NewSession creates a session calling api through a queue drawing on budget.
// Call Start before running operations and Close when done.
func NewSession(cfg *config.Config, api API, budget *ratelimit.Budget, opts ...Option) *Session {
	users := graph.NewUsers()
	s := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		cfg:       cfg.Crawl,
		budget:    budget,
		users:     users,
		photos:    graph.NewPhotos(users),
		processed: graph.NewSet(),
		excluded:  graph.NewSet(),
		hidden:    graph.NewSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrDefault(s.logger).WithField("session", s.ID)

	s.queue = queue.New(budget, queue.Options{
		Spacing:     cfg.RateLimit.Spacing,
		Cooldown:    cfg.RateLimit.Cooldown,
		TaskTimeout: cfg.RateLimit.TaskTimeout,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	s.api = Queued(api, s.queue)
	return s
}

// Start launches the request queue
func (s *Session) Start() {
	s.queue.Start()
}

// CancelAll rejects every queued request. In-flight requests complete.
func (s *Session) CancelAll() int {
	return s.queue.CancelAll()
}

// Close stops the queue and waits for in-flight requests
func (s *Session) Close() {
	s.queue.Stop()
}

// Users returns the user table
func (s *Session) Users() *graph.Users { return s.users }

// Photos returns the photo table
func (s *Session) Photos() *graph.Photos { return s.photos }

// Budget returns the rate budget
func (s *Session) Budget() *ratelimit.Budget { return s.budget }

func (s *Session) newTracker(operation string) *progress.Tracker {
	tr := progress.New(operation,
		progress.WithDisplay(s.display),
		progress.WithLogger(s.logger),
		progress.WithMetrics(s.metrics),
	)
	s.mu.Lock()
	s.current = tr
	s.mu.Unlock()
	return tr
}

// finish settles every task registered on tr and logs the summary
func (s *Session) finish(ctx context.Context, tr *progress.Tracker) (progress.Stats, error) {
	err := tr.AllSettled(ctx)
	tr.Done()
	s.metrics.SetGraphSize(s.users.Len(), s.photos.Len())
	s.metrics.SetBudgetRemaining(s.budget.Remaining())
	return tr.Stats(), err
}

// Progress returns the counters of the running or last batch operation
func (s *Session) Progress() (progress.Stats, bool) {
	s.mu.Lock()
	tr := s.current
	s.mu.Unlock()
	if tr == nil {
		return progress.Stats{}, false
	}
	return tr.Stats(), true
}

func (s *Session) markProcessed(photoID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed.Add(photoID)
}

func (s *Session) unmarkProcessed(photoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed.Remove(photoID)
}

// ProcessPhotos fetches every page of favorites of each photo into the user
// table. Photos already processed count as duplicates; a photo whose first
// page fails is un-marked so a later batch can retry it.
func (s *Session) ProcessPhotos(ctx context.Context, photoIDs []string) (progress.Stats, error) {
	tr := s.newTracker("process_photos")
	tr.Expect(len(photoIDs))

	for _, id := range photoIDs {
		if !s.markProcessed(id) {
			tr.Duplicate(id)
			continue
		}

		id := id
		tr.Await(id, func() error {
			resp, err := s.api.GetImageFavorites(ctx, id, 1)
			if err != nil {
				s.unmarkProcessed(id)
				return err
			}

			pages := int(resp.Pages)
			tr.UpdatePages(pages)
			for p := 2; p <= pages; p++ {
				p := p
				tr.AwaitSub(fmt.Sprintf("%s page %d", id, p), func() error {
					page, err := s.api.GetImageFavorites(ctx, id, p)
					if err != nil {
						return err
					}
					s.users.AddImageFavorites(page)
					return nil
				})
			}
			s.users.AddImageFavorites(resp)
			return nil
		})
	}

	return s.finish(ctx, tr)
}

// ProcessPhotosFromUser reads the favorites of a seed user, excludes the seed
// from the twins ranking and processes every favorited photo. The returned
// stats are those of the photo batch; seed pages that failed after the first
// are logged as a warning and their photos are skipped.
func (s *Session) ProcessPhotosFromUser(ctx context.Context, userID string) (progress.Stats, error) {
	s.Exclude(userID)

	tr := s.newTracker("seed_favorites")
	var (
		mu  sync.Mutex
		ids []string
	)
	collect := func(resp *flickr.UserFavorites) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range resp.Photo {
			ids = append(ids, p.ID)
		}
	}

	tr.Await(userID, func() error {
		resp, err := s.api.GetUserFavorites(ctx, userID, 1)
		if err != nil {
			return err
		}

		pages := s.capUserPages(userID, int(resp.Pages))
		tr.UpdatePages(pages)
		for p := 2; p <= pages; p++ {
			p := p
			tr.AwaitSub(fmt.Sprintf("%s page %d", userID, p), func() error {
				page, err := s.api.GetUserFavorites(ctx, userID, p)
				if err != nil {
					return err
				}
				collect(page)
				return nil
			})
		}
		collect(resp)
		return nil
	})

	stats, err := s.finish(ctx, tr)
	if err != nil {
		return stats, err
	}
	if stats.Errors > 0 && stats.InputsProcessed == 0 {
		return stats, fmt.Errorf("favorites of seed user %s could not be read", userID)
	}

	if stats.Errors > 0 {
		s.logger.WarnWithFields("Some seed user favorites pages failed", map[string]interface{}{
			"user":   userID,
			"failed": stats.Errors,
			"pages":  stats.TotalPages,
		})
	}

	s.logger.InfoWithFields("Processing seed user favorites", map[string]interface{}{
		"user":   userID,
		"photos": len(ids),
	})
	return s.ProcessPhotos(ctx, ids)
}

// ProcessUsers fetches every page of favorites of each user, up to the page
// cap, into the photo table
func (s *Session) ProcessUsers(ctx context.Context, userIDs []string) (progress.Stats, error) {
	tr := s.newTracker("process_users")
	tr.Expect(len(userIDs))

	for _, id := range userIDs {
		id := id
		tr.Await(id, func() error {
			resp, err := s.api.GetUserFavorites(ctx, id, 1)
			if err != nil {
				return err
			}

			pages := s.capUserPages(id, int(resp.Pages))
			tr.UpdatePages(pages)
			for p := 2; p <= pages; p++ {
				p := p
				tr.AwaitSub(fmt.Sprintf("%s page %d", id, p), func() error {
					page, err := s.api.GetUserFavorites(ctx, id, p)
					if err != nil {
						return err
					}
					s.photos.AddUserFavorites(id, page)
					return nil
				})
			}
			s.photos.AddUserFavorites(id, resp)
			return nil
		})
	}

	return s.finish(ctx, tr)
}

// ProcessUsersFromDB runs ProcessUsers over the n best ranked twins. n <= 0
// uses the configured default.
func (s *Session) ProcessUsersFromDB(ctx context.Context, n int) (progress.Stats, error) {
	if n <= 0 {
		n = s.cfg.UsersFromDB
	}
	return s.ProcessUsers(ctx, idsOf(s.Twins(n, 0)))
}

// LoadPhotos fetches the metadata of each photo into the photo table
func (s *Session) LoadPhotos(ctx context.Context, photoIDs []string) (progress.Stats, error) {
	tr := s.newTracker("load_photos")
	tr.Expect(len(photoIDs))

	for _, id := range photoIDs {
		id := id
		tr.Await(id, func() error {
			info, err := s.api.GetPhotoInfo(ctx, id)
			if err != nil {
				return err
			}
			s.photos.AddPhotoInfo(info)
			return nil
		})
	}

	return s.finish(ctx, tr)
}

// SmartCrawl spends at most min(remaining budget, maxRequests) calls reading
// the favorites of the best ranked twins. maxRequests <= 0 uses the
// configured default. It returns the number of calls the scheduler issued.
func (s *Session) SmartCrawl(ctx context.Context, maxRequests int) (int, progress.Stats, error) {
	if maxRequests <= 0 {
		maxRequests = s.cfg.MaxRequests
	}
	budget := min(s.budget.Remaining(), maxRequests)

	candidates := idsOf(s.Twins(0, 0))
	tr := s.newTracker("smart_crawl")
	sched := NewScheduler(s.cfg, s.api, s.users, s.photos, tr, s.logger)

	issued, runErr := sched.Run(ctx, candidates, budget)
	stats, err := s.finish(ctx, tr)
	if runErr != nil {
		return issued, stats, runErr
	}
	return issued, stats, err
}

func (s *Session) capUserPages(userID string, pages int) int {
	return capUserPages(s.logger, s.cfg.MaxUserPages, userID, pages)
}

// Exclude removes ids from the twins and popular photos rankings
func (s *Session) Exclude(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.excluded.Add(id)
	}
}

// Hide removes photo ids from the popular photos ranking
func (s *Session) Hide(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.hidden.Add(id)
	}
}

// Twins returns users ranked by similarity, skipping excluded ids
func (s *Session) Twins(limit, offset int) []graph.User {
	s.mu.Lock()
	excluded := s.excluded.Clone()
	s.mu.Unlock()
	return s.users.SortedByScore(limit, offset, excluded)
}

// PopularPhotos returns photos ranked by twin-weighted popularity, skipping
// processed, excluded and hidden photos
func (s *Session) PopularPhotos(limit, offset int) []graph.Photo {
	s.mu.Lock()
	processed, excluded, hidden := s.processed.Clone(), s.excluded.Clone(), s.hidden.Clone()
	s.mu.Unlock()
	return s.photos.SortedByScore(limit, offset, processed, excluded, hidden)
}

// BudgetStatus describes the rolling window usage
func (s *Session) BudgetStatus() string {
	return s.budget.String()
}

// Snapshot captures the graph and the session id sets for persistence
func (s *Session) Snapshot() *storage.Snapshot {
	s.mu.Lock()
	processed, excluded, hidden := s.processed.Clone(), s.excluded.Clone(), s.hidden.Clone()
	s.mu.Unlock()

	return &storage.Snapshot{
		Users:     s.users.Snapshot(),
		Photos:    s.photos.Snapshot(),
		Processed: processed,
		Excluded:  excluded,
		Hidden:    hidden,
	}
}

// Restore replaces the graph and the session id sets with snap. A nil
// snapshot leaves the session empty.
func (s *Session) Restore(snap *storage.Snapshot) {
	if snap == nil {
		return
	}
	s.users.Restore(snap.Users)
	s.photos.Restore(snap.Photos)

	s.mu.Lock()
	s.processed = graph.NewSet(snap.Processed.Slice()...)
	s.excluded = graph.NewSet(snap.Excluded.Slice()...)
	s.hidden = graph.NewSet(snap.Hidden.Slice()...)
	s.mu.Unlock()

	s.metrics.SetGraphSize(s.users.Len(), s.photos.Len())
	s.logger.InfoWithFields("Session restored", map[string]interface{}{
		"users":     s.users.Len(),
		"photos":    s.photos.Len(),
		"processed": len(snap.Processed),
		"excluded":  len(snap.Excluded),
		"hidden":    len(snap.Hidden),
	})
}

func idsOf(users []graph.User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}

// Status is a point-in-time view of the session for the status command and
// the side server
type Status struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`

	BudgetUsed      int    `json:"budget_used"`
	BudgetCeiling   int    `json:"budget_ceiling"`
	BudgetRemaining int    `json:"budget_remaining"`
	OldestExpiry    string `json:"oldest_call_expires_in"`
	QueuePending    int    `json:"queue_pending"`

	Users             int `json:"users"`
	Photos            int `json:"photos"`
	SignificantPhotos int `json:"significant_photos"`
	Processed         int `json:"processed"`
	Excluded          int `json:"excluded"`
	Hidden            int `json:"hidden"`

	Progress *progress.Stats `json:"progress,omitempty"`
}

// Status reports budget, queue and graph counters. Photos with at least
// min_photo_faves favorites count as significant.
func (s *Session) Status() Status {
	st := Status{
		SessionID:         s.ID,
		StartedAt:         s.StartedAt,
		BudgetUsed:        s.budget.Used(),
		BudgetCeiling:     s.budget.Ceiling(),
		BudgetRemaining:   s.budget.Remaining(),
		OldestExpiry:      s.budget.OldestExpiry().Round(time.Second).String(),
		QueuePending:      s.queue.Pending(),
		Users:             s.users.Len(),
		Photos:            s.photos.Len(),
		SignificantPhotos: len(s.photos.Trimmed(s.cfg.MinPhotoFaves)),
	}

	s.mu.Lock()
	st.Processed = len(s.processed)
	st.Excluded = len(s.excluded)
	st.Hidden = len(s.hidden)
	s.mu.Unlock()

	if stats, ok := s.Progress(); ok {
		st.Progress = &stats
	}
	return st
}
