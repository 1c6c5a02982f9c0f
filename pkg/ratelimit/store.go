package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"flickrtwin/pkg/config"
)

// OpenHistory returns the history store selected by cfg. Redis keys are
// suffixed with a digest of apiKey since the upstream limit is per key.
// Stores holding connections also implement io.Closer.
func OpenHistory(ctx context.Context, cfg config.HistoryConfig, window time.Duration, apiKey string) (HistoryStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "file":
		return NewFileHistory(cfg.Path)
	case "redis":
		r := NewRedisHistory(cfg.RedisAddr, historyKey(cfg.RedisKey, apiKey), window)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return r, nil
	case "", "none":
		return nopHistory{}, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

func historyKey(prefix, apiKey string) string {
	if apiKey == "" {
		return prefix
	}
	sum := sha256.Sum256([]byte(apiKey))
	return prefix + ":" + hex.EncodeToString(sum[:4])
}

// nopHistory forgets everything
type nopHistory struct{}

func (nopHistory) Load(context.Context) ([]time.Time, error) { return nil, nil }
func (nopHistory) Save(context.Context, []time.Time) error   { return nil }
