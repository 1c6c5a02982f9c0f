package crawl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"flickrtwin/internal/queue"
	"flickrtwin/pkg/errors"
	"flickrtwin/pkg/flickr"
	"flickrtwin/pkg/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves canned favorites pages and counts every call
type fakeAPI struct {
	mu         sync.Mutex
	userFaves  map[string][][]string // user -> pages of photo ids
	photoFaves map[string][][]string // photo -> pages of user ids
	fail       map[string]bool
	calls      map[string]int
	total      int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		userFaves:  make(map[string][][]string),
		photoFaves: make(map[string][][]string),
		fail:       make(map[string]bool),
		calls:      make(map[string]int),
	}
}

func (f *fakeAPI) record(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	f.total++
	return f.fail[key]
}

func (f *fakeAPI) callsTo(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// pagesOf reports how many pages of one user were requested
func (f *fakeAPI) pagesOf(userID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pages []int
	for p := 1; p <= 100; p++ {
		if f.calls[fmt.Sprintf("user:%s:%d", userID, p)] > 0 {
			pages = append(pages, p)
		}
	}
	return pages
}

func (f *fakeAPI) GetImageFavorites(ctx context.Context, photoID string, page int) (*flickr.PhotoFavorites, error) {
	failed := f.record(fmt.Sprintf("photo:%s:%d", photoID, page)) || f.callFails("photo:" + photoID)
	if failed {
		return nil, errors.NewAPIError(1, "Photo not found")
	}

	f.mu.Lock()
	pages := f.photoFaves[photoID]
	f.mu.Unlock()

	resp := &flickr.PhotoFavorites{
		ID:     photoID,
		Secret: "s" + photoID,
		Server: "65535",
		Page:   flickr.FlexInt(page),
		Pages:  flickr.FlexInt(len(pages)),
	}
	if page <= len(pages) {
		for _, uid := range pages[page-1] {
			resp.Person = append(resp.Person, flickr.Person{NSID: uid, Username: uid, FaveDate: "1500000000"})
		}
	}
	return resp, nil
}

func (f *fakeAPI) GetUserFavorites(ctx context.Context, userID string, page int) (*flickr.UserFavorites, error) {
	failed := f.record(fmt.Sprintf("user:%s:%d", userID, page)) || f.callFails("user:" + userID)
	if failed {
		return nil, errors.NewAPIError(1, "User not found")
	}

	f.mu.Lock()
	pages := f.userFaves[userID]
	f.mu.Unlock()

	resp := &flickr.UserFavorites{
		Page:  flickr.FlexInt(page),
		Pages: flickr.FlexInt(len(pages)),
	}
	if page <= len(pages) {
		for _, pid := range pages[page-1] {
			resp.Photo = append(resp.Photo, flickr.FavoritePhoto{
				ID:        pid,
				Owner:     flickr.Owner{NSID: "owner-" + pid},
				Secret:    "s" + pid,
				Server:    "65535",
				DateFaved: "1500000000",
			})
		}
	}
	return resp, nil
}

func (f *fakeAPI) GetPhotoInfo(ctx context.Context, photoID string) (*flickr.PhotoInfo, error) {
	if f.record("info:"+photoID) || f.callFails("photo:"+photoID) {
		return nil, errors.NewAPIError(1, "Photo not found")
	}
	return &flickr.PhotoInfo{
		ID:     photoID,
		Owner:  flickr.Owner{NSID: "owner-" + photoID},
		Secret: "s" + photoID,
		Server: "65535",
		Title:  flickr.Text("title " + photoID),
	}, nil
}

func (f *fakeAPI) callFails(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[key]
}

func TestQueuedConsumesOneUnitPerCall(t *testing.T) {
	api := newFakeAPI()
	api.userFaves["u1"] = [][]string{{"p1"}}
	api.photoFaves["p1"] = [][]string{{"u1"}}

	budget := ratelimit.NewBudget(10, time.Hour)
	opts := queue.DefaultOptions()
	opts.Spacing = time.Millisecond
	q := queue.New(budget, opts)
	q.Start()
	defer q.Stop()

	queued := Queued(api, q)
	ctx := context.Background()

	favs, err := queued.GetImageFavorites(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, "p1", favs.ID)

	ufavs, err := queued.GetUserFavorites(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, ufavs.Photo, 1)

	info, err := queued.GetPhotoInfo(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, flickr.Text("title p1"), info.Title)

	assert.Equal(t, 3, budget.Used())
	assert.Equal(t, 3, api.totalCalls())
}

func TestQueuedPropagatesErrors(t *testing.T) {
	api := newFakeAPI()
	api.fail["user:missing"] = true

	budget := ratelimit.NewBudget(10, time.Hour)
	opts := queue.DefaultOptions()
	opts.Spacing = time.Millisecond
	q := queue.New(budget, opts)
	q.Start()
	defer q.Stop()

	_, err := Queued(api, q).GetUserFavorites(context.Background(), "missing", 1)
	require.Error(t, err)
	assert.True(t, errors.IsAPIError(err))
	assert.Equal(t, 1, budget.Used())
}
