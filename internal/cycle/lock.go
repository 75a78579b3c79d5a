package cycle

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory flock held for the duration of one cycle. It
// keeps a timer-driven `cycle` run from overlapping the daemon's own loop.
type FileLock struct {
	path string
}

// NewFileLock returns a lock on path. The file is created on first use.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock takes the lock without blocking. It returns ErrCycleInProgress
// when another process holds it.
func (l *FileLock) TryLock() (release func(), err error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrCycleInProgress
		}
		return nil, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
