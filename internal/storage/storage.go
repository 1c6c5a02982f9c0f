package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"flickrtwin/internal/graph"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/logger"
)

// SnapshotVersion is bumped when the snapshot layout changes
const SnapshotVersion = 1

// Snapshot is the persisted state of a crawl session
type Snapshot struct {
	Version   int                    `json:"version"`
	SavedAt   time.Time              `json:"saved_at"`
	Users     map[string]graph.User  `json:"users"`
	Photos    map[string]graph.Photo `json:"photos"`
	Processed graph.Set              `json:"processed"`
	Excluded  graph.Set              `json:"excluded"`
	Hidden    graph.Set              `json:"hidden"`
}

// Store persists snapshots of the favorite graph
type Store interface {
	// Load returns the saved snapshot, or nil when nothing was saved yet
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// New opens the store selected by cfg
func New(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (Store, error) {
	log = logger.OrDefault(log)

	switch strings.ToLower(cfg.Backend) {
	case "file":
		return NewFileStore(cfg.Path, log)
	case "sqlite":
		return NewSQLiteStore(sqlitePath(cfg.Path), log)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, log)
	case "none", "":
		return nopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// sqlitePath keeps the default json path usable for the sqlite backend
func sqlitePath(path string) string {
	if filepath.Ext(path) == ".json" {
		return strings.TrimSuffix(path, ".json") + ".db"
	}
	return path
}

type nopStore struct{}

func (nopStore) Load(ctx context.Context) (*Snapshot, error)    { return nil, nil }
func (nopStore) Save(ctx context.Context, snap *Snapshot) error { return nil }
func (nopStore) Close() error                                   { return nil }

// normalize fills nil maps so callers never see them
func normalize(snap *Snapshot) *Snapshot {
	if snap.Users == nil {
		snap.Users = make(map[string]graph.User)
	}
	if snap.Photos == nil {
		snap.Photos = make(map[string]graph.Photo)
	}
	if snap.Processed == nil {
		snap.Processed = graph.NewSet()
	}
	if snap.Excluded == nil {
		snap.Excluded = graph.NewSet()
	}
	if snap.Hidden == nil {
		snap.Hidden = graph.NewSet()
	}
	return snap
}
