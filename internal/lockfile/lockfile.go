// Package lockfile guards a data directory against a second process opening
// it concurrently.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by Acquire when another holder has the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is a held lock file. The file itself stays on disk after Release.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive lock on path without blocking, creating the file
// if needed.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // G304: caller-provided path
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lock(f); err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", path, err), f.Close())
	}
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	err := errors.Join(unlock(l.f), l.f.Close())
	l.f = nil
	return err
}
