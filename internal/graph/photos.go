package graph

import (
	"sort"
	"sync"

	"flickrtwin/pkg/flickr"
)

// Photo is a photo favorited by at least one user in the graph
type Photo struct {
	ID        string  `json:"id"`
	Owner     string  `json:"owner"`
	Secret    string  `json:"secret"`
	Server    string  `json:"server"`
	Title     string  `json:"title,omitempty"`
	FaveCount int     `json:"favecount"`
	FavedBy   Set     `json:"faved_by"`
	Score     float64 `json:"score"`
}

// URL is the public page of the photo
func (p Photo) URL() string {
	return flickr.PhotoPageURL(p.Owner, p.ID)
}

// ImageURL is the medium-size image of the photo
func (p Photo) ImageURL() string {
	return flickr.ImageURL(p.Server, p.ID, p.Secret)
}

func (p *Photo) clone() Photo {
	c := *p
	c.FavedBy = p.FavedBy.Clone()
	return c
}

// PhotoPayload carries the fields a photo record is created from
type PhotoPayload struct {
	ID     string
	Owner  string
	Secret string
	Server string
	Title  string
}

// Photos is the photo side of the favorite graph. When bound to a Users
// table it takes the Photos lock before the Users lock, never the reverse.
type Photos struct {
	mu     sync.RWMutex
	db     map[string]*Photo
	scorer PhotoScorer
}

// NewPhotos creates an empty table. With users bound photos are scored by
// TwinWeightedScorer, otherwise by FaveCountScorer.
func NewPhotos(users *Users) *Photos {
	var scorer PhotoScorer = FaveCountScorer{}
	if users != nil {
		scorer = TwinWeightedScorer{Users: users}
	}
	return &Photos{
		db:     make(map[string]*Photo),
		scorer: scorer,
	}
}

// SetScorer replaces the ranking strategy
func (t *Photos) SetScorer(s PhotoScorer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scorer = s
}

func (t *Photos) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.db[id]
	return ok
}

// Get returns a copy of the photo record
func (t *Photos) Get(id string) (Photo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.db[id]
	if !ok {
		return Photo{}, false
	}
	return p.clone(), true
}

func (t *Photos) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.db)
}

// Upsert creates the record on first sight. An existing record only gains
// metadata it was missing.
func (t *Photos) Upsert(payload PhotoPayload) Photo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsert(payload).clone()
}

func (t *Photos) upsert(payload PhotoPayload) *Photo {
	if p, ok := t.db[payload.ID]; ok {
		fill(&p.Owner, payload.Owner)
		fill(&p.Secret, payload.Secret)
		fill(&p.Server, payload.Server)
		fill(&p.Title, payload.Title)
		return p
	}
	p := &Photo{
		ID:      payload.ID,
		Owner:   payload.Owner,
		Secret:  payload.Secret,
		Server:  payload.Server,
		Title:   payload.Title,
		FavedBy: make(Set),
	}
	t.db[p.ID] = p
	return p
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// RecordFavorite adds userID to the photo's favedBy set and increments its
// count only if the user was not already present.
func (t *Photos) RecordFavorite(photoID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordFavorite(t.upsert(PhotoPayload{ID: photoID}), userID)
}

func (t *Photos) recordFavorite(p *Photo, userID string) bool {
	if !p.FavedBy.Add(userID) {
		return false
	}
	p.FaveCount++
	return true
}

// AddUserFavorites applies one page of a user's favorites and returns the
// number of new edges.
func (t *Photos) AddUserFavorites(userID string, resp *flickr.UserFavorites) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, fp := range resp.Photo {
		p := t.upsert(PhotoPayload{
			ID:     fp.ID,
			Owner:  fp.Owner.NSID,
			Secret: fp.Secret,
			Server: fp.Server,
			Title:  string(fp.Title),
		})
		if t.recordFavorite(p, userID) {
			added++
		}
	}
	return added
}

// AddPhotoInfo creates or completes a record from photo metadata
func (t *Photos) AddPhotoInfo(info *flickr.PhotoInfo) Photo {
	return t.Upsert(PhotoPayload{
		ID:     info.ID,
		Owner:  info.Owner.NSID,
		Secret: info.Secret,
		Server: info.Server,
		Title:  string(info.Title),
	})
}

// SortedByScore recomputes every score and returns photos in descending score
// order, skipping ids in any of the excluding sets. limit <= 0 returns all.
func (t *Photos) SortedByScore(limit, offset int, excluding ...Set) []Photo {
	skip := union(excluding)

	t.mu.Lock()
	out := make([]Photo, 0, len(t.db))
	for id, p := range t.db {
		p.Score = t.scorer.ScorePhoto(p)
		if skip.Has(id) {
			continue
		}
		out = append(out, p.clone())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, offset)
}

// Trimmed returns the photos with at least minFaves favorites
func (t *Photos) Trimmed(minFaves int) map[string]Photo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Photo)
	for id, p := range t.db {
		if p.FaveCount >= minFaves {
			out[id] = p.clone()
		}
	}
	return out
}

// Snapshot returns a copy of the whole table
func (t *Photos) Snapshot() map[string]Photo {
	return t.Trimmed(0)
}

// Restore replaces the table contents
func (t *Photos) Restore(photos map[string]Photo) {
	db := make(map[string]*Photo, len(photos))
	for id, p := range photos {
		c := p.clone()
		c.ID = id
		if c.FaveCount < len(c.FavedBy) {
			c.FaveCount = len(c.FavedBy)
		}
		db[id] = &c
	}

	t.mu.Lock()
	t.db = db
	t.mu.Unlock()
}
