// Package store provides crash-safe state persistence using JSON files.
//
// Two kinds of state survive restarts:
//   - per-market positions, one pos_<ticker>.json each, saved after every
//     fill and restored when a market is re-tracked
//   - the circuit-breaker status (breaker.json), so a tripped breaker stays
//     tripped across a restart until an operator resets it
//
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"kalshi-lip-mm/internal/risk"
	"kalshi-lip-mm/internal/strategy"
)

const breakerFile = "breaker.json"

// Store persists bot state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
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

// SavePosition atomically persists the current position for a market.
func (s *Store) SavePosition(ticker string, pos strategy.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(positionFile(ticker), pos)
}

// LoadPosition restores a market's position from disk.
// Returns nil, nil if no saved position exists (fresh market).
func (s *Store) LoadPosition(ticker string) (*strategy.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos strategy.Position
	found, err := s.readJSON(positionFile(ticker), &pos)
	if err != nil || !found {
		return nil, err
	}
	return &pos, nil
}

// DeletePosition removes a market's position file, typically after the
// market closes with inventory zero.
func (s *Store) DeletePosition(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, positionFile(ticker)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// ListPositions returns the tickers with persisted positions.
func (s *Store) ListPositions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var tickers []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "pos_") && strings.HasSuffix(name, ".json") {
			tickers = append(tickers, strings.TrimSuffix(strings.TrimPrefix(name, "pos_"), ".json"))
		}
	}
	return tickers, nil
}

// SaveBreakerStatus atomically persists the circuit-breaker state.
func (s *Store) SaveBreakerStatus(status risk.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(breakerFile, status)
}

// LoadBreakerStatus restores the circuit-breaker state.
// Returns nil, nil when none was saved.
func (s *Store) LoadBreakerStatus() (*risk.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status risk.Status
	found, err := s.readJSON(breakerFile, &status)
	if err != nil || !found {
		return nil, err
	}
	return &status, nil
}

// writeJSON writes to a .tmp file first, then renames over the target so the
// file is never left in a partial state. Caller holds s.mu.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// readJSON reports found=false when the file does not exist. Caller holds s.mu.
func (s *Store) readJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

func positionFile(ticker string) string {
	return "pos_" + ticker + ".json"
}
