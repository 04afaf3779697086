// Package lockfile provides an advisory, exclusive, non-blocking process
// lock on the configuration file, so two concurrent invocations against the
// same config fail fast instead of racing on the same storage roots.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock holds an open file descriptor with an flock(2) exclusive lock. The
// lock is released automatically on process exit, and explicitly by
// Release.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking lock on path. If another
// process already holds it, Acquire returns an error immediately rather
// than blocking.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfile: %q is already locked by another run: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return l.f.Close()
}
