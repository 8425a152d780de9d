// Package lock provides the advisory file lock that serializes captures
// across shell processes sharing one history database.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/NeverVane/omniscient/internal/logger"
)

// ErrTimeout is returned when the lock could not be acquired in time
var ErrTimeout = errors.New("timed out waiting for lock")

// ErrHeld is returned by TryLock when another holder owns the lock
var ErrHeld = errors.New("lock is held by another process")

const retryInterval = 25 * time.Millisecond

// FileLock is an exclusive flock(2) lock on a file path
type FileLock struct {
	path   string
	file   *os.File
	logger *logger.Logger
	locked bool
	mu     sync.Mutex
}

// New returns an unlocked FileLock for path, creating its directory
func New(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path:   path,
		logger: logger.GetLogger().WithComponent("filelock"),
	}, nil
}

// Path returns the lock file path
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock retries until the lock is acquired, timeout elapses or ctx ends.
// A timeout <= 0 makes a single attempt.
func (fl *FileLock) Lock(ctx context.Context, timeout time.Duration) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.locked {
		return fmt.Errorf("lock already acquired")
	}

	fl.logger.Debug().
		Str("lock_path", fl.path).
		Dur("timeout", timeout).
		Msg("Attempting to acquire file lock")

	err := fl.tryLockOnce()
	if err == nil || !errors.Is(err, ErrHeld) || timeout <= 0 {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lockCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(ErrTimeout, "%s after %s", fl.path, timeout)
		case <-ticker.C:
			err := fl.tryLockOnce()
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrHeld) {
				return err
			}
		}
	}
}

// TryLock makes one non-blocking attempt
func (fl *FileLock) TryLock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.locked {
		return fmt.Errorf("lock already acquired")
	}
	return fl.tryLockOnce()
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
// The lock file stays on disk so concurrent waiters keep locking the same inode.
func (fl *FileLock) Unlock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if !fl.locked {
		return nil
	}

	var err error
	if fl.file != nil {
		if unlockErr := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); unlockErr != nil {
			fl.logger.Warn().Err(unlockErr).Str("lock_path", fl.path).Msg("Failed to unlock file")
			err = fmt.Errorf("failed to release file lock: %w", unlockErr)
		}
		if closeErr := fl.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		fl.file = nil
	}
	fl.locked = false

	fl.logger.Debug().Str("lock_path", fl.path).Msg("Released file lock")
	return err
}

// IsLocked reports whether this FileLock holds the lock
func (fl *FileLock) IsLocked() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.locked
}

func (fl *FileLock) tryLockOnce() error {
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return ErrHeld
		}
		return fmt.Errorf("failed to acquire file lock: %w", err)
	}

	fl.file = file
	fl.locked = true

	fl.logger.Debug().
		Str("lock_path", fl.path).
		Int("pid", os.Getpid()).
		Msg("Acquired file lock")
	return nil
}

// WithLock runs fn while holding an exclusive lock on path
func WithLock(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	fl, err := New(path)
	if err != nil {
		return err
	}
	if err := fl.Lock(ctx, timeout); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}
