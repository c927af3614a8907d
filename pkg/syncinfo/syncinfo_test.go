package syncinfo_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailpoint/storesync/pkg/syncinfo"
)

func TestUpdateAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastsync.txt")
	m, err := syncinfo.NewManager(path)
	require.NoError(t, err)

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Update(syncinfo.SyncInfo{LastSync: at, Drained: 3}))

	got := m.Get()
	assert.Equal(t, at, got.LastSync)
	assert.Equal(t, 3, got.Drained)

	// A fresh manager over the same file sees the persisted timestamp.
	m2, err := syncinfo.NewManager(path)
	require.NoError(t, err)
	loaded, err := m2.Load()
	require.NoError(t, err)
	assert.True(t, at.Equal(loaded))
}

func TestEmptyFileIsZeroTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastsync.txt")
	m, err := syncinfo.NewManager(path)
	require.NoError(t, err)

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.True(t, loaded.IsZero())
}

func TestNewManagerFailsOnUnwritablePath(t *testing.T) {
	_, err := syncinfo.NewManager(filepath.Join(t.TempDir(), "missing", "lastsync.txt"))
	assert.Error(t, err)
}
