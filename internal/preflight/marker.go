package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerFile records when the checks last passed for a data directory.
const MarkerFile = ".searchstore-preflight-passed"

// MarkPassed records now as the time the checks passed.
func MarkPassed(dataDir string, now time.Time) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	content := []byte(now.UTC().Format(time.RFC3339) + "\n")
	return os.WriteFile(filepath.Join(dataDir, MarkerFile), content, 0o644)
}

// LastPassed returns when the checks last passed. ok is false when no
// readable marker exists.
func LastPassed(dataDir string) (at time.Time, ok bool) {
	content, err := os.ReadFile(filepath.Join(dataDir, MarkerFile))
	if err != nil {
		return time.Time{}, false
	}
	at, err = time.Parse(time.RFC3339, strings.TrimSpace(string(content)))
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// ClearMarker removes the marker. A missing marker is not an error.
func ClearMarker(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, MarkerFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}
