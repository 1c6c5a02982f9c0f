package crawl

import (
	"context"
	"sync"
	"testing"
	"time"

	"flickrtwin/internal/graph"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seededAPI models a seed user with two favorite photos that three other
// users also favorited
func seededAPI() *fakeAPI {
	api := newFakeAPI()
	api.userFaves["seed"] = [][]string{{"p1", "p2"}}
	api.photoFaves["p1"] = [][]string{{"seed", "A", "B"}}
	api.photoFaves["p2"] = [][]string{{"B"}, {"C"}}
	api.userFaves["B"] = [][]string{{"p1", "p3"}, {"p4"}}
	api.userFaves["A"] = [][]string{{"p3"}}
	return api
}

func newTestSession(t *testing.T, api API, ceiling int, opts ...Option) *Session {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.Spacing = time.Millisecond

	opts = append([]Option{WithLogger(logger.NewNopLogger())}, opts...)
	s := NewSession(cfg, api, ratelimit.NewBudget(ceiling, time.Hour), opts...)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func userIDs(users []graph.User) []string { return idsOf(users) }

func photoIDs(photos []graph.Photo) []string {
	ids := make([]string, len(photos))
	for i, p := range photos {
		ids[i] = p.ID
	}
	return ids
}

func TestSessionSettledBatchHasNothingOutstanding(t *testing.T) {
	s := newTestSession(t, seededAPI(), 100)
	ctx := testContext(t)

	stats, err := s.ProcessUsers(ctx, []string{"B", "A"})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalPages, "B has two pages, A has one")
	assert.Equal(t, 0, stats.Outstanding())
	assert.Equal(t, 100.0, stats.Percentage())

	current, ok := s.Progress()
	require.True(t, ok)
	assert.Equal(t, 0, current.Outstanding())
}

func TestSessionSeedPageFailureIsLogged(t *testing.T) {
	api := seededAPI()
	api.userFaves["seed"] = [][]string{{"p1"}, {"p2"}}
	api.fail["user:seed:2"] = true
	log := logger.NewTestLogger()
	s := newTestSession(t, api, 100, WithLogger(log))

	stats, err := s.ProcessPhotosFromUser(testContext(t), "seed")
	require.NoError(t, err)
	assert.Equal(t, "1/1 : 1/1", stats.String(), "photos of the failed page are skipped")
	assert.True(t, log.HasMessage("seed user favorites pages failed"))
}

func TestSessionWorkflow(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 100)
	ctx := testContext(t)

	stats, err := s.ProcessPhotosFromUser(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.InputsProcessed)
	assert.Equal(t, 3, stats.PagesProcessed, "p2 has a second page")
	assert.Equal(t, "2/2 : 3/3", stats.String())

	// the seed favorited its own photos but is excluded from the ranking
	assert.Equal(t, []string{"B", "A", "C"}, userIDs(s.Twins(0, 0)))
	assert.Equal(t, []string{"A"}, userIDs(s.Twins(1, 1)))
	assert.True(t, s.Users().Has("seed"))

	stats, err = s.ProcessUsersFromDB(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.InputsProcessed)
	assert.Equal(t, 3, stats.PagesProcessed)

	// processed photos drop out of the popular list
	assert.Equal(t, []string{"p3", "p4"}, photoIDs(s.PopularPhotos(0, 0)))
	p3, ok := s.Photos().Get("p3")
	require.True(t, ok)
	assert.Equal(t, graph.NewSet("A", "B"), p3.FavedBy)

	s.Hide("p4")
	assert.Equal(t, []string{"p3"}, photoIDs(s.PopularPhotos(0, 0)))
	s.Exclude("p3")
	assert.Empty(t, s.PopularPhotos(0, 0))

	assert.Equal(t, 7, api.totalCalls())
	assert.Equal(t, 7, s.Budget().Used())
	assert.Contains(t, s.BudgetStatus(), "Used 7/100 calls")
}

func TestSessionProcessPhotosDuplicates(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 100)
	ctx := testContext(t)

	stats, err := s.ProcessPhotos(ctx, []string{"p1", "p1", "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InputsProcessed)
	assert.Equal(t, 1, stats.TotalInputs)
	assert.Equal(t, 2, stats.Duplicates)
	assert.Equal(t, 1, api.callsTo("photo:p1:1"))

	stats, err = s.ProcessPhotos(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 100.0, stats.Percentage())
	assert.Equal(t, 1, api.callsTo("photo:p1:1"))
}

func TestSessionProcessPhotosRetriesFailures(t *testing.T) {
	api := seededAPI()
	api.fail["photo:bad"] = true
	s := newTestSession(t, api, 100)
	ctx := testContext(t)

	stats, err := s.ProcessPhotos(ctx, []string{"bad", "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.InputsProcessed)
	assert.Equal(t, "1/2 : 1/2, 1 errs", stats.String())

	// a failed photo is not marked processed, so it is fetched again
	stats, err = s.ProcessPhotos(ctx, []string{"bad"})
	require.NoError(t, err)
	assert.Zero(t, stats.Duplicates)
	assert.Equal(t, 2, api.callsTo("photo:bad:1"))
}

func TestSessionSeedUserUnreadable(t *testing.T) {
	api := seededAPI()
	api.fail["user:nobody"] = true
	s := newTestSession(t, api, 100)

	_, err := s.ProcessPhotosFromUser(testContext(t), "nobody")
	assert.Error(t, err)
	assert.Equal(t, 1, api.totalCalls())
}

func TestSessionLoadPhotos(t *testing.T) {
	api := seededAPI()
	api.fail["photo:gone"] = true
	s := newTestSession(t, api, 100)

	stats, err := s.LoadPhotos(testContext(t), []string{"p3", "gone"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InputsProcessed)
	assert.Equal(t, 1, stats.Errors)

	p, ok := s.Photos().Get("p3")
	require.True(t, ok)
	assert.Equal(t, "title p3", p.Title)
	assert.Equal(t, "owner-p3", p.Owner)
	assert.Equal(t, "https://www.flickr.com/photos/owner-p3/p3/", p.URL())
	assert.False(t, s.Photos().Has("gone"))
}

func TestSessionSmartCrawl(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 100)
	ctx := testContext(t)

	_, err := s.ProcessPhotosFromUser(ctx, "seed")
	require.NoError(t, err)
	before := api.totalCalls()

	issued, stats, err := s.SmartCrawl(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, issued)
	assert.Equal(t, before+4, api.totalCalls())
	assert.Equal(t, 3, stats.InputsProcessed)
	assert.Zero(t, stats.Outstanding())

	b, ok := s.Users().Get("B")
	require.True(t, ok)
	assert.Equal(t, 2, b.TotalPages)
	assert.Equal(t, 2, b.PagesProcessed)
	assert.Equal(t, []int{1, 2}, api.pagesOf("B"))
	assert.Equal(t, []int{1}, api.pagesOf("A"))
	assert.Equal(t, []int{1}, api.pagesOf("C"))

	progress, ok := s.Progress()
	require.True(t, ok)
	assert.Equal(t, stats, progress)
}

func TestSessionSmartCrawlBoundedByBudget(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 5)
	ctx := testContext(t)

	_, err := s.ProcessPhotosFromUser(ctx, "seed")
	require.NoError(t, err)
	require.Equal(t, 1, s.Budget().Remaining())

	issued, _, err := s.SmartCrawl(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	assert.Equal(t, 0, s.Budget().Remaining())

	issued, _, err = s.SmartCrawl(ctx, 1000)
	require.NoError(t, err)
	assert.Zero(t, issued)
}

func TestSessionSnapshotRestore(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 100)
	ctx := testContext(t)

	_, err := s.ProcessPhotosFromUser(ctx, "seed")
	require.NoError(t, err)
	_, err = s.ProcessUsersFromDB(ctx, 2)
	require.NoError(t, err)
	s.Hide("p4")

	snap := s.Snapshot()
	assert.Equal(t, graph.NewSet("p1", "p2"), snap.Processed)
	assert.Equal(t, graph.NewSet("seed"), snap.Excluded)
	assert.Equal(t, graph.NewSet("p4"), snap.Hidden)

	restored := newTestSession(t, newFakeAPI(), 100)
	restored.Restore(snap)
	restored.Restore(nil)

	assert.Equal(t, s.Twins(0, 0), restored.Twins(0, 0))
	assert.Equal(t, s.PopularPhotos(0, 0), restored.PopularPhotos(0, 0))

	// a restored photo is still a duplicate
	stats, err := restored.ProcessPhotos(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestSessionDisplay(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []string
	)
	display := func(pct float64, msg string) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, msg)
	}

	s := newTestSession(t, seededAPI(), 100, WithDisplay(display))
	_, err := s.ProcessPhotos(testContext(t), []string{"p1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range messages {
			if m == "1/1 : 1/1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSessionCancelAll(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 100)

	assert.Zero(t, s.CancelAll())
	_, ok := s.Progress()
	assert.False(t, ok)
}

func TestSessionStatus(t *testing.T) {
	api := seededAPI()
	s := newTestSession(t, api, 100)

	st := s.Status()
	assert.Equal(t, s.ID, st.SessionID)
	assert.Zero(t, st.BudgetUsed)
	assert.Nil(t, st.Progress)

	_, err := s.ProcessPhotosFromUser(testContext(t), "seed")
	require.NoError(t, err)
	_, err = s.ProcessUsersFromDB(testContext(t), 2)
	require.NoError(t, err)

	st = s.Status()
	assert.Equal(t, 7, st.BudgetUsed)
	assert.Equal(t, 100, st.BudgetCeiling)
	assert.Equal(t, 93, st.BudgetRemaining)
	assert.Equal(t, 4, st.Users)
	assert.Equal(t, 3, st.Photos)
	assert.Equal(t, 1, st.SignificantPhotos, "only p3 has two favorites")
	assert.Equal(t, 2, st.Processed)
	assert.Equal(t, 1, st.Excluded)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 2, st.Progress.InputsProcessed)
}
