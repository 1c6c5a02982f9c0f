package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HistoryStore persists a budget's call history between runs
type HistoryStore interface {
	Load(ctx context.Context) ([]time.Time, error)
	Save(ctx context.Context, calls []time.Time) error
}

// historyFile is the on-disk layout of FileHistory
type historyFile struct {
	Calls   []time.Time `json:"calls"`
	SavedAt time.Time   `json:"saved_at"`
	Version int         `json:"version"`
}

// FileHistory keeps the call history in a JSON file
type FileHistory struct {
	path string
}

// NewFileHistory creates a file-backed history store, creating its directory
func NewFileHistory(path string) (*FileHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileHistory{path: path}, nil
}

// Load reads the stored call history. A missing file is an empty history.
func (f *FileHistory) Load(ctx context.Context) ([]time.Time, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	var h historyFile
	if err := json.NewDecoder(file).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return h.Calls, nil
}

// Save writes the call history atomically
func (f *FileHistory) Save(ctx context.Context, calls []time.Time) error {
	tempPath := f.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary history file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(historyFile{Calls: calls, SavedAt: time.Now(), Version: 1}); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode history: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync history file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close history file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace history file: %w", err)
	}
	return nil
}
