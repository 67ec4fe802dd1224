package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStorage persists one JSON file per agent under a directory. Writes go
// through a temp file and a rename so a crash never leaves a torn snapshot.
type FileStorage struct {
	dir string
}

// NewFileStorage creates dir if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(agentID string) string {
	// Escape ids so path separators cannot leave the directory.
	return filepath.Join(s.dir, url.PathEscape(agentID)+".json")
}

// Get reads the snapshot or returns (nil, nil) when absent.
func (s *FileStorage) Get(_ context.Context, agentID string) (*SavedState, error) {
	data, err := os.ReadFile(s.path(agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var saved SavedState
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	return &saved, nil
}

// Save writes atomically via temp-file-rename.
func (s *FileStorage) Save(_ context.Context, agentID string, state *SavedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(agentID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit state file: %w", err)
	}
	return nil
}

// Delete removes the snapshot file if present.
func (s *FileStorage) Delete(_ context.Context, agentID string) error {
	err := os.Remove(s.path(agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// List returns the ids of every stored snapshot.
func (s *FileStorage) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
