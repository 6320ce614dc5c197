// Package rootptr persists the single mutable reference of a store: the link
// to the current root shard.
package rootptr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
)

// Pointer holds the current root link.
type Pointer interface {
	// Get returns the current root, or false if none was ever set.
	Get(ctx context.Context) (cid.Cid, bool, error)
	// Set durably replaces the root. It must be atomic: a crash leaves either
	// the old or the new value.
	Set(ctx context.Context, link cid.Cid) error
}

// File is a Pointer stored as the binary CID in a single file.
type File struct {
	path string

	mu     sync.Mutex
	cached cid.Cid
}

// NewFile returns a pointer stored at path. The file is not created until
// the first Set.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Get implements Pointer.
func (f *File) Get(_ context.Context) (cid.Cid, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached.Defined() {
		return f.cached, true, nil
	}
	c, ok, err := ReadFile(f.path)
	if err != nil || !ok {
		return cid.Undef, false, err
	}
	f.cached = c
	return c, true, nil
}

// Set implements Pointer.
//
// The new value is written to a sibling temp file, synced, renamed over the
// target, then the directory is synced.
func (f *File) Set(_ context.Context, link cid.Cid) error {
	if !link.Defined() {
		return errors.New("cannot set an undefined root")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp root file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(link.Bytes()); err != nil {
		return errors.Join(fmt.Errorf("failed to write root: %w", err), tmp.Close(), os.Remove(tmpPath))
	}
	if err := tmp.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync root: %w", err), tmp.Close(), os.Remove(tmpPath))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp root file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return errors.Join(fmt.Errorf("failed to replace root file: %w", err), os.Remove(tmpPath))
	}
	// The cache must follow the file even if the directory sync fails: the
	// rename is already visible.
	f.cached = link
	d, err := os.Open(dir) //nolint:gosec // G304: internal path
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	if err := d.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync directory: %w", err), d.Close())
	}
	return d.Close()
}

// ReadFile decodes a root file without caching. It returns false if the file
// does not exist.
func ReadFile(path string) (cid.Cid, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: caller-provided path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cid.Undef, false, nil
		}
		return cid.Undef, false, fmt.Errorf("failed to read root file: %w", err)
	}
	c, err := cid.Cast(data)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("invalid root file %s: %w", path, err)
	}
	return c, true, nil
}

// Memory is an in-memory Pointer.
type Memory struct {
	mu   sync.Mutex
	root cid.Cid
}

// Get implements Pointer.
func (m *Memory) Get(_ context.Context) (cid.Cid, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root, m.root.Defined(), nil
}

// Set implements Pointer.
func (m *Memory) Set(_ context.Context, link cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = link
	return nil
}
