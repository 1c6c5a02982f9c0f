package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory keeps the call history in a Redis sorted set, one member per
// call scored by its unix time in milliseconds. Entries older than the window
// are trimmed on every save, and the key expires one window after the last one.
type RedisHistory struct {
	client *redis.Client
	key    string
	window time.Duration
}

// NewRedisHistory creates a Redis-backed history store
func NewRedisHistory(addr, key string, window time.Duration) *RedisHistory {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisHistory{client: rdb, key: key, window: window}
}

// Ping checks the connection
func (r *RedisHistory) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Load returns the calls still inside the window, oldest first
func (r *RedisHistory) Load(ctx context.Context) ([]time.Time, error) {
	min := strconv.FormatInt(time.Now().Add(-r.window).UnixMilli(), 10)
	scores, err := r.client.ZRangeByScoreWithScores(ctx, r.key, &redis.ZRangeBy{
		Min: "(" + min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load call history: %w", err)
	}

	calls := make([]time.Time, 0, len(scores))
	for _, z := range scores {
		calls = append(calls, time.UnixMilli(int64(z.Score)))
	}
	return calls, nil
}

// Save adds the given calls to the set and trims stale ones
func (r *RedisHistory) Save(ctx context.Context, calls []time.Time) error {
	cutoff := time.Now().Add(-r.window).UnixMilli()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(calls) > 0 {
			members := make([]redis.Z, 0, len(calls))
			for _, c := range calls {
				members = append(members, redis.Z{
					Score:  float64(c.UnixMilli()),
					Member: strconv.FormatInt(c.UnixNano(), 10),
				})
			}
			pipe.ZAdd(ctx, r.key, members...)
		}
		pipe.ZRemRangeByScore(ctx, r.key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, r.key, r.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save call history: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (r *RedisHistory) Close() error {
	return r.client.Close()
}
