// Package store provides crash-safe persistence of the position table using
// a JSON file with atomic replacement (write to .tmp, then rename), so a
// crash mid-save never leaves a partial file. The risk controller saves after
// every position change and loads once at startup.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"polymarket-updown/internal/risk"
)

const positionsFile = "positions.json"

// Store persists positions under a designated directory. All operations are
// mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePositions atomically replaces the persisted position table.
func (s *Store) SavePositions(positions []risk.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	path := filepath.Join(s.dir, positionsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPositions restores the position table from disk. A missing file means
// a fresh start, not an error.
func (s *Store) LoadPositions() ([]risk.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, positionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read positions: %w", err)
	}

	var positions []risk.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}
	return positions, nil
}
