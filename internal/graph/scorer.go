package graph

import "math"

// UserScorer ranks a user record
type UserScorer interface {
	ScoreUser(u *User) float64
}

// PhotoScorer ranks a photo record
type PhotoScorer interface {
	ScorePhoto(p *Photo) float64
}

// UserScorerFunc adapts a function to UserScorer
type UserScorerFunc func(u *User) float64

func (f UserScorerFunc) ScoreUser(u *User) float64 { return f(u) }

// PhotoScorerFunc adapts a function to PhotoScorer
type PhotoScorerFunc func(p *Photo) float64

func (f PhotoScorerFunc) ScorePhoto(p *Photo) float64 { return f(p) }

// PageDiscountScorer divides a user's favorite count by log2(totalPages)+1,
// so users sampled over many pages do not outrank sparsely sampled users with
// the same raw count.
type PageDiscountScorer struct{}

func (PageDiscountScorer) ScoreUser(u *User) float64 {
	if u.TotalPages > 0 {
		return float64(u.FaveCount) / (math.Log2(float64(u.TotalPages)) + 1)
	}
	return float64(u.FaveCount)
}

// FaveCountScorer scores a photo by its raw favorite count
type FaveCountScorer struct{}

func (FaveCountScorer) ScorePhoto(p *Photo) float64 {
	return float64(p.FaveCount)
}

// TwinWeightedScorer scores a photo by the summed scores of the users who
// favorited it.
type TwinWeightedScorer struct {
	Users *Users
}

func (s TwinWeightedScorer) ScorePhoto(p *Photo) float64 {
	var total float64
	for id := range p.FavedBy {
		total += s.Users.Score(id)
	}
	return total
}
