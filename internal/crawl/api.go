package crawl

import (
	"context"

	"flickrtwin/internal/queue"
	"flickrtwin/pkg/flickr"
)

// API is the upstream surface a crawl reads from. *flickr.Client implements it.
type API interface {
	GetImageFavorites(ctx context.Context, photoID string, page int) (*flickr.PhotoFavorites, error)
	GetUserFavorites(ctx context.Context, userID string, page int) (*flickr.UserFavorites, error)
	GetPhotoInfo(ctx context.Context, photoID string) (*flickr.PhotoInfo, error)
}

// queuedAPI sends every call through the request queue, so each call
// consumes exactly one budget unit
type queuedAPI struct {
	api API
	q   *queue.Queue
}

// Queued wraps api so that its calls are paced and budgeted by q
func Queued(api API, q *queue.Queue) API {
	return &queuedAPI{api: api, q: q}
}

func (a *queuedAPI) GetImageFavorites(ctx context.Context, photoID string, page int) (*flickr.PhotoFavorites, error) {
	return queue.Do(ctx, a.q, func(ctx context.Context) (*flickr.PhotoFavorites, error) {
		return a.api.GetImageFavorites(ctx, photoID, page)
	})
}

func (a *queuedAPI) GetUserFavorites(ctx context.Context, userID string, page int) (*flickr.UserFavorites, error) {
	return queue.Do(ctx, a.q, func(ctx context.Context) (*flickr.UserFavorites, error) {
		return a.api.GetUserFavorites(ctx, userID, page)
	})
}

func (a *queuedAPI) GetPhotoInfo(ctx context.Context, photoID string) (*flickr.PhotoInfo, error) {
	return queue.Do(ctx, a.q, func(ctx context.Context) (*flickr.PhotoInfo, error) {
		return a.api.GetPhotoInfo(ctx, photoID)
	})
}
