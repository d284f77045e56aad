// Package lock provides a cross-process advisory file lock for the task
// registry's compare-and-swap claim path. A PID-file guard only excludes a
// second invocation by the same user; registry claiming must exclude
// concurrent worker *processes*, so this package locks the registry file
// itself with flock(2) on unix and LockFileEx on windows.
package lock

import (
	"fmt"
	"os"
)

// FileLock is an exclusive advisory lock held on a single file.
type FileLock struct {
	path string
	f    *os.File
}

// Acquire opens (creating if necessary) the lock file at path and blocks
// until an exclusive advisory lock is held.
func Acquire(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return &FileLock{path: path, f: f}, nil
}

// TryAcquire is Acquire but returns (nil, false, nil) instead of blocking
// when the lock is already held elsewhere.
func TryAcquire(path string) (*FileLock, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	ok, err := tryLockExclusive(f)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("try-lock %s: %w", path, err)
	}
	if !ok {
		f.Close()
		return nil, false, nil
	}
	return &FileLock{path: path, f: f}, true, nil
}

// Release unlocks and closes the underlying file.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unlock(l.f); err != nil {
		l.f.Close()
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return l.f.Close()
}
