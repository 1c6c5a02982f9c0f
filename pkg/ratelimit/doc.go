// Package ratelimit tracks the upstream API call budget.
//
// A Budget is a sliding window limiter: it remembers the timestamp of every
// admitted call and allows a new one only while fewer than the ceiling
// remain inside the window. Stale timestamps are evicted lazily on read.
//
// Interface:
//
// The request queue depends only on the Limiter interface:
//   - Remaining() int - calls that may still be admitted right now
//   - Admit() error   - record a call, or fail with errors.ErrBudgetExceeded
//
// Persistence:
//
// The call history can outlive the process through a HistoryStore.
// FileHistory writes an atomic JSON file, RedisHistory keeps a sorted set.
//
//	budget := ratelimit.NewBudget(3500, time.Hour)
//	calls, _ := history.Load(ctx)
//	budget.Restore(calls)
//	defer history.Save(ctx, budget.Snapshot())
package ratelimit
