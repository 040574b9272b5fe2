package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

// WriteLockName is the lock file created inside an index directory while a
// writer is open.
const WriteLockName = "write.lock"

// WriteLock provides cross-process exclusion for index writers using gofrs/flock.
// An empty directory disables locking (in-memory indexes).
type WriteLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWriteLock creates a write lock for the given index directory.
// The lock file will be created at <dir>/write.lock
func NewWriteLock(dir string) *WriteLock {
	if dir == "" {
		return &WriteLock{}
	}
	lockPath := filepath.Join(dir, WriteLockName)
	return &WriteLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock attempts to acquire the lock without blocking.
// A lock held elsewhere is reported as ERR_207_INDEX_LOCKED.
func (l *WriteLock) TryLock() error {
	if l.flock == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return derrors.New(derrors.ErrCodeIndexLocked,
			fmt.Sprintf("index is locked by another writer (%s)", l.path), nil).
			WithDetail("lock", l.path)
	}

	l.locked = true
	return nil
}

// Unlock releases the lock and removes the lock file.
// It's safe to call Unlock multiple times or on an unlocked WriteLock.
func (l *WriteLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	// Remove first so no other process observes a leftover file.
	_ = os.Remove(l.path)
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the path to the lock file.
func (l *WriteLock) Path() string {
	return l.path
}

// IsLocked returns true if the lock is currently held.
func (l *WriteLock) IsLocked() bool {
	return l.locked
}

// ClearStaleLock removes a write lock left behind by a crashed writer.
// A lock file nobody holds is stale and is deleted; a lock held by a live
// process yields ERR_207_INDEX_LOCKED.
func ClearStaleLock(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}

	lockPath := filepath.Join(dir, WriteLockName)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot stat %s: %w", lockPath, err)
	}

	lock := NewWriteLock(dir)
	if err := lock.TryLock(); err != nil {
		return err
	}

	if logger != nil {
		logger.Warn("stale_write_lock_cleared", slog.String("path", lockPath))
	}
	return lock.Unlock()
}
