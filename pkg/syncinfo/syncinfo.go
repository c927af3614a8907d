// Package syncinfo persists bookkeeping about the last successful queue
// drain so the console can show how stale the local mirror is.
package syncinfo

import (
	"os"
	"sync"
	"time"
)

// SyncInfo describes the last fully successful drain.
type SyncInfo struct {
	LastSync time.Time
	Drained  int // operations confirmed in that pass
}

// Manager serializes access to the sync info and its backing file.
type Manager struct {
	mu       sync.RWMutex
	info     SyncInfo
	filename string
}

// NewManager creates a manager backed by fileName. The file is created
// eagerly so a missing path fails at startup, not mid-sync.
func NewManager(fileName string) (*Manager, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	file.Close()

	return &Manager{filename: fileName}, nil
}

// Get returns the current sync info.
func (m *Manager) Get() SyncInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Update records a completed drain and saves it to the backing file.
func (m *Manager) Update(info SyncInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	return os.WriteFile(m.filename, []byte(info.LastSync.UTC().Format(time.RFC3339)), 0644)
}

// Load reads the last sync time from the backing file and updates the
// in-memory copy. A missing or empty file yields a zero time.
func (m *Manager) Load() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.filename)
	if err != nil {
		return time.Time{}, err
	}
	if len(raw) == 0 {
		return time.Time{}, nil
	}
	lastSync, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, err
	}
	m.info.LastSync = lastSync
	return lastSync, nil
}
