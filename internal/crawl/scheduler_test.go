package crawl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"flickrtwin/internal/graph"
	"flickrtwin/internal/progress"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCrawlConfig() config.CrawlConfig {
	return config.DefaultConfig().Crawl
}

func newTestScheduler(t *testing.T, api API) (*Scheduler, *graph.Users, *graph.Photos, *progress.Tracker) {
	t.Helper()
	users := graph.NewUsers()
	photos := graph.NewPhotos(users)
	tr := progress.New("smart_crawl", progress.WithLogger(logger.NewNopLogger()))
	s := NewScheduler(testCrawlConfig(), api, users, photos, tr, logger.NewNopLogger())
	return s, users, photos, tr
}

func runScheduler(t *testing.T, s *Scheduler, tr *progress.Tracker, candidates []string, budget int) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	issued, err := s.Run(ctx, candidates, budget)
	require.NoError(t, err)
	require.NoError(t, tr.AllSettled(ctx))
	return issued
}

func TestSchedulerPlan(t *testing.T) {
	tests := []struct {
		name        string
		candidates  int
		budget      int
		wantSize    int
		wantActive  int
		wantBacklog int
	}{
		{"small budget", 3, 10, 2, 2, 1},
		{"budget below one user", 3, 2, 1, 1, 2},
		{"active set capped", 500, 3500, 100, 100, 400},
		{"backlog capped by budget", 50, 20, 4, 4, 20},
		{"fewer candidates than slots", 1, 100, 20, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _, _ := newTestScheduler(t, newFakeAPI())
			candidates := make([]string, tt.candidates)
			for i := range candidates {
				candidates[i] = fmt.Sprintf("u%03d", i)
			}

			s.plan(candidates, tt.budget)
			assert.Equal(t, tt.wantSize, s.activeSetSize)
			assert.Len(t, s.active, tt.wantActive)
			assert.Len(t, s.backlog, tt.wantBacklog)
			if tt.wantActive > 0 {
				assert.Equal(t, candidates[0], s.active[0], "best candidates go first")
			}
		})
	}
}

func TestSchedulerSmallBudget(t *testing.T) {
	api := newFakeAPI()
	api.userFaves["A"] = [][]string{{"a1"}, {"a2"}, {"a3"}}
	api.userFaves["B"] = [][]string{{"b1"}, {"b2"}, {"b3"}}
	api.userFaves["C"] = [][]string{{"c1"}}

	s, users, photos, tr := newTestScheduler(t, api)
	users.RecordFavorite("A", "x1", "")
	users.RecordFavorite("A", "x2", "")
	users.RecordFavorite("B", "x1", "")
	users.RecordFavorite("C", "x1", "")

	issued := runScheduler(t, s, tr, []string{"A", "B", "C"}, 10)

	// A and B are read completely, then C is pulled from the backlog
	assert.Equal(t, 7, issued)
	assert.Equal(t, 7, api.totalCalls())
	assert.Equal(t, []int{1, 2, 3}, api.pagesOf("A"))
	assert.Equal(t, []int{1, 2, 3}, api.pagesOf("B"))
	assert.Equal(t, []int{1}, api.pagesOf("C"))

	for _, id := range []string{"A", "B", "C"} {
		u, ok := users.Get(id)
		require.True(t, ok)
		assert.Equal(t, u.TotalPages, u.PagesProcessed, id)
		assert.LessOrEqual(t, u.PagesRequested, u.TotalPages, id)
	}
	assert.Equal(t, 7, photos.Len())

	stats := tr.Stats()
	assert.Equal(t, 3, stats.InputsProcessed)
	assert.Equal(t, 7, stats.PagesProcessed)
	assert.Zero(t, stats.Outstanding())
}

func TestSchedulerSpendsExactBudget(t *testing.T) {
	api := newFakeAPI()
	var candidates []string
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("u%d", i)
		candidates = append(candidates, id)
		pages := make([][]string, 20)
		for p := range pages {
			pages[p] = []string{fmt.Sprintf("%s-%d", id, p)}
		}
		api.userFaves[id] = pages
	}

	s, users, _, tr := newTestScheduler(t, api)
	issued := runScheduler(t, s, tr, candidates, 10)

	assert.Equal(t, 10, issued)
	assert.Equal(t, 10, api.totalCalls())

	requested := 0
	for _, id := range candidates {
		if u, ok := users.Get(id); ok {
			requested += u.PagesRequested
			assert.LessOrEqual(t, u.PagesRequested, u.TotalPages)
		}
	}
	assert.Equal(t, 10, requested)
}

func TestSchedulerSkipsFailedUsers(t *testing.T) {
	api := newFakeAPI()
	api.fail["user:F"] = true
	api.userFaves["G"] = [][]string{{"g1"}, {"g2"}}

	s, users, _, tr := newTestScheduler(t, api)
	users.RecordFavorite("F", "x1", "")
	users.RecordFavorite("F", "x2", "")
	users.RecordFavorite("F", "x3", "")
	users.RecordFavorite("G", "x1", "")

	issued := runScheduler(t, s, tr, []string{"F", "G"}, 10)

	assert.Equal(t, 3, issued)
	assert.Equal(t, []int{1}, api.pagesOf("F"), "a failed first page is never followed up")
	assert.Equal(t, []int{1, 2}, api.pagesOf("G"))

	f, ok := users.Get("F")
	require.True(t, ok)
	assert.Zero(t, f.PagesRequested)
	assert.Zero(t, f.TotalPages)
	assert.Equal(t, stateFailed, s.stateOf("F"))

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 2, stats.PagesProcessed)
}

func TestSchedulerCapsUserPages(t *testing.T) {
	api := newFakeAPI()
	pages := make([][]string, 80)
	for p := range pages {
		pages[p] = []string{fmt.Sprintf("h-%d", p)}
	}
	api.userFaves["H"] = pages

	s, users, _, tr := newTestScheduler(t, api)
	issued := runScheduler(t, s, tr, []string{"H"}, 200)

	limit := testCrawlConfig().MaxUserPages
	assert.Equal(t, limit, issued)
	u, _ := users.Get("H")
	assert.Equal(t, limit, u.TotalPages)
	assert.Equal(t, limit, u.PagesProcessed)
}

func TestSchedulerDecaysMultiplier(t *testing.T) {
	api := newFakeAPI()
	api.userFaves["D"] = [][]string{{"d1"}, {"d2"}, {"d3"}, {"d4"}}

	s, _, _, tr := newTestScheduler(t, api)
	issued := runScheduler(t, s, tr, []string{"D"}, 3)

	assert.Equal(t, 3, issued)
	assert.Equal(t, []int{1, 2, 3}, api.pagesOf("D"))

	s.mu.Lock()
	m := s.multiplier["D"]
	s.mu.Unlock()
	assert.InDelta(t, 0.81, m, 1e-9)
}

func TestSchedulerRank(t *testing.T) {
	s, users, _, _ := newTestScheduler(t, newFakeAPI())
	users.RecordFavorite("low", "x1", "")
	for i := 0; i < 3; i++ {
		users.RecordFavorite("high", fmt.Sprintf("x%d", i), "")
		users.RecordFavorite("pending", fmt.Sprintf("x%d", i), "")
	}

	s.active = []string{"low", "pending", "high"}
	s.setState("low", stateReady, 1)
	s.setState("high", stateReady, 0.5)
	s.setState("pending", statePending, 0)

	assert.Equal(t, "high", s.rank())
	assert.Equal(t, []string{"high", "low", "pending"}, s.active)

	// equal priority puts ready users ahead of pending ones
	s.setState("low", stateReady, 0)
	s.active = []string{"pending", "low"}
	assert.Equal(t, "low", s.rank())
}

func TestSchedulerNothingToDo(t *testing.T) {
	api := newFakeAPI()
	s, _, _, tr := newTestScheduler(t, api)

	assert.Zero(t, runScheduler(t, s, tr, nil, 10))
	assert.Zero(t, runScheduler(t, s, tr, []string{"A"}, 0))
	assert.Zero(t, api.totalCalls())
}

func TestSchedulerHonorsContext(t *testing.T) {
	api := newFakeAPI()
	api.userFaves["A"] = [][]string{{"a1"}, {"a2"}}

	s, _, _, _ := newTestScheduler(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, []string{"A"}, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCapUserPages(t *testing.T) {
	log := logger.NewTestLogger()
	assert.Equal(t, 10, capUserPages(log, 50, "u", 10))
	assert.Empty(t, log.GetMessagesByLevel("WARN"))

	assert.Equal(t, 50, capUserPages(log, 50, "u", 51))
	assert.True(t, log.HasMessage("User has more favorites pages than the crawl reads"))
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 1, ceilDiv(1, 4))
	assert.Equal(t, 1, ceilDiv(4, 4))
	assert.Equal(t, 2, ceilDiv(5, 4))
	assert.Equal(t, 25, ceilDiv(100, 4))
}
