package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flickrtwin/pkg/logger"
)

// FileStore keeps the snapshot in a single JSON file
type FileStore struct {
	path   string
	logger logger.Logger
}

// NewFileStore creates a store writing to path, creating its directory
func NewFileStore(path string, log logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{path: path, logger: logger.OrDefault(log)}, nil
}

// Load reads the snapshot. A missing file is not an error.
func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.logger.InfoWithFields("Snapshot loaded", map[string]interface{}{
		"path":     f.path,
		"users":    len(snap.Users),
		"photos":   len(snap.Photos),
		"saved_at": snap.SavedAt,
	})
	return normalize(&snap), nil
}

// Save writes the snapshot atomically
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	snap.Version = SnapshotVersion
	snap.SavedAt = time.Now()

	tempPath := f.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot file: %w", err)
	}

	if err := json.NewEncoder(file).Encode(snap); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}

	f.logger.DebugWithFields("Snapshot saved", map[string]interface{}{
		"path":   f.path,
		"users":  len(snap.Users),
		"photos": len(snap.Photos),
	})
	return nil
}

// Close is a no-op
func (f *FileStore) Close() error { return nil }

// Path returns the snapshot file path
func (f *FileStore) Path() string { return f.path }
