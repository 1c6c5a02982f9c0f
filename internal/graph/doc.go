// Package graph holds the bipartite favorite graph between users and photos.
//
// Users and Photos are two tables keyed by id. An edge is recorded on each
// side at most once per (user, photo) pair, so applying the same upstream page
// twice never inflates a favorite count. Ranking is delegated to replaceable
// UserScorer and PhotoScorer strategies.
package graph
