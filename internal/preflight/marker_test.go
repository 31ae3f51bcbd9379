package preflight

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarker_RoundTrip(t *testing.T) {
	// Given: a data directory that does not exist yet
	dataDir := filepath.Join(t.TempDir(), "data")
	_, ok := LastPassed(dataDir)
	require.False(t, ok)

	// When: marking as passed
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, MarkPassed(dataDir, now))

	// Then: the directory exists and the time reads back
	assert.DirExists(t, dataDir)
	at, ok := LastPassed(dataDir)
	require.True(t, ok)
	assert.True(t, now.Equal(at))
}

func TestMarker_Clear(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, MarkPassed(dataDir, time.Now()))

	require.NoError(t, ClearMarker(dataDir))
	assert.NoFileExists(t, filepath.Join(dataDir, MarkerFile))

	// Clearing again is fine
	assert.NoError(t, ClearMarker(dataDir))
}

func TestMarker_Garbage(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, MarkerFile), []byte("yesterday"), 0o644))

	_, ok := LastPassed(dataDir)
	assert.False(t, ok)
}
