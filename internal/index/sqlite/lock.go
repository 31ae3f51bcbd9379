package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/searchstore/internal/errors"
)

// LockFileName is created inside the data directory while a store is open.
const LockFileName = ".searchstore.lock"

// FileLock guards a data directory against a second process opening it.
// Works on all platforms gofrs/flock supports.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock for dir. Nothing is acquired yet.
func NewFileLock(dir string) *FileLock {
	lockPath := filepath.Join(dir, LockFileName)
	return &FileLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if it's held elsewhere.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Acquire takes the lock, retrying while another process holds it.
func (l *FileLock) Acquire(ctx context.Context, cfg errors.RetryConfig) error {
	return errors.Retry(ctx, cfg, func() error {
		ok, err := l.TryLock()
		if err != nil {
			return errors.New(errors.ErrCodeBackend, err.Error(), err).WithDetail("path", l.path)
		}
		if !ok {
			return errors.New(errors.ErrCodeStoreLocked, "data directory is in use by another process", nil).
				WithDetail("path", l.path).
				WithSuggestion("Close the other searchstore process or point --data-dir elsewhere")
		}
		return nil
	})
}

// Unlock releases the lock. Safe to call on an unlocked FileLock.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the path to the lock file.
func (l *FileLock) Path() string {
	return l.path
}
