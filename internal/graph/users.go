package graph

import (
	"sort"
	"sync"

	"flickrtwin/pkg/flickr"
)

// User is a Flickr user seen favoriting at least one photo
type User struct {
	ID       string `json:"nsid"`
	Username string `json:"username"`
	RealName string `json:"realname"`
	IconURL  string `json:"buddyicon"`

	// Faves maps photo id to the fave date reported upstream
	Faves     map[string]string `json:"faves"`
	FaveCount int               `json:"favecount"`

	TotalPages     int `json:"total_pages"`
	PagesRequested int `json:"pages_requested"`
	PagesProcessed int `json:"pages_processed"`

	Score float64 `json:"score"`
}

func (u *User) clone() User {
	c := *u
	c.Faves = make(map[string]string, len(u.Faves))
	for k, v := range u.Faves {
		c.Faves[k] = v
	}
	return c
}

// Users is the user side of the favorite graph. It is safe for concurrent
// use and hands out copies.
type Users struct {
	mu     sync.RWMutex
	db     map[string]*User
	scorer UserScorer
}

// NewUsers creates an empty table scored with PageDiscountScorer
func NewUsers() *Users {
	return &Users{
		db:     make(map[string]*User),
		scorer: PageDiscountScorer{},
	}
}

// SetScorer replaces the ranking strategy
func (t *Users) SetScorer(s UserScorer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scorer = s
}

func (t *Users) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.db[id]
	return ok
}

// Get returns a copy of the user record
func (t *Users) Get(id string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.db[id]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

func (t *Users) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.db)
}

// Upsert creates the record for person on first sight. An existing record is
// returned unmodified.
func (t *Users) Upsert(person flickr.Person) User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsert(person).clone()
}

func (t *Users) upsert(person flickr.Person) *User {
	if u, ok := t.db[person.NSID]; ok {
		return u
	}
	u := &User{
		ID:       person.NSID,
		Username: person.Username,
		RealName: person.RealName,
		IconURL:  flickr.BuddyIconURL(person.NSID, person.IconServer, int(person.IconFarm)),
		Faves:    make(map[string]string),
	}
	t.db[u.ID] = u
	return u
}

// RecordFavorite adds photoID to the user's favorites and reports whether the
// edge was new. Unknown users are created with only an id.
func (t *Users) RecordFavorite(userID, photoID, faveDate string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordFavorite(t.upsert(flickr.Person{NSID: userID}), photoID, faveDate)
}

func (t *Users) recordFavorite(u *User, photoID, faveDate string) bool {
	if _, ok := u.Faves[photoID]; ok {
		return false
	}
	u.Faves[photoID] = faveDate
	u.FaveCount++
	return true
}

// AddImageFavorites applies one page of a photo's favorites and returns the
// number of new edges.
func (t *Users) AddImageFavorites(resp *flickr.PhotoFavorites) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, person := range resp.Person {
		if t.recordFavorite(t.upsert(person), resp.ID, person.FaveDate) {
			added++
		}
	}
	return added
}

// Update applies fn to the stored record under the table lock. It reports
// whether the user exists.
func (t *Users) Update(id string, fn func(u *User)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.db[id]
	if !ok {
		return false
	}
	fn(u)
	return true
}

// Score returns the current score of a user, 0 when unknown
func (t *Users) Score(id string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.db[id]
	if !ok {
		return 0
	}
	return t.scorer.ScoreUser(u)
}

// SortedByScore recomputes every score and returns users in descending score
// order, skipping ids in any of the excluding sets. limit <= 0 returns all.
func (t *Users) SortedByScore(limit, offset int, excluding ...Set) []User {
	skip := union(excluding)

	t.mu.Lock()
	out := make([]User, 0, len(t.db))
	for id, u := range t.db {
		u.Score = t.scorer.ScoreUser(u)
		if skip.Has(id) {
			continue
		}
		out = append(out, u.clone())
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

// Trimmed returns the users with at least minFaves favorites
func (t *Users) Trimmed(minFaves int) map[string]User {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]User)
	for id, u := range t.db {
		if u.FaveCount >= minFaves {
			out[id] = u.clone()
		}
	}
	return out
}

// Snapshot returns a copy of the whole table
func (t *Users) Snapshot() map[string]User {
	return t.Trimmed(0)
}

// Restore replaces the table contents
func (t *Users) Restore(users map[string]User) {
	db := make(map[string]*User, len(users))
	for id, u := range users {
		c := u.clone()
		c.ID = id
		db[id] = &c
	}

	t.mu.Lock()
	t.db = db
	t.mu.Unlock()
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
