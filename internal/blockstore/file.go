// Stores blocks as individual files in a fan-out directory tree.

package blockstore

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// base32Enc uses base32 "Extended Hex" alphabet (0-9A-V) which is ASCII-sorted
// and case-insensitive safe for filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

const tmpDirName = "tmp"

// FileStore is a Source keeping one file per block.
//
// Files are organized with 1024-way fan-out on the digest:
// <dir>/<digest[:2]>/<digest[2:]>-<codec>. The codec suffix keeps blocks
// with identical bytes but different codecs apart so deleting one never
// deletes the other. Writes go to <dir>/tmp/<random>.tmp, are synced and then
// renamed into place.
type FileStore struct {
	dir string
}

// NewFileStore opens or creates a block directory.
//
// Temporary files left behind by an interrupted write are removed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, tmpDirName), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create block directory: %w", err)
	}
	s := &FileStore{dir: dir}
	if err := s.cleanupTmpDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put implements Source.
func (s *FileStore) Put(_ context.Context, link cid.Cid, data []byte) error {
	target, err := s.pathFor(link)
	if err != nil {
		return err
	}
	// Same content is already there.
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	f, err := os.CreateTemp(filepath.Join(s.dir, tmpDirName), "*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		return errors.Join(fmt.Errorf("failed to write block %s: %w", link, err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync block %s: %w", link, err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return errors.Join(fmt.Errorf("failed to create block subdirectory: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return errors.Join(fmt.Errorf("failed to rename block to final location: %w", err), os.Remove(tmpPath))
	}
	return syncDir(filepath.Dir(target))
}

// Get implements Source.
func (s *FileStore) Get(_ context.Context, link cid.Cid) ([]byte, bool, error) {
	p, err := s.pathFor(link)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // G304: path derived from a validated CID
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read block %s: %w", link, err)
	}
	return data, true, nil
}

// Delete implements Source.
func (s *FileStore) Delete(_ context.Context, link cid.Cid) error {
	p, err := s.pathFor(link)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete block %s: %w", link, err)
	}
	return nil
}

// Count returns the number of stored blocks.
func (s *FileStore) Count() (int, error) {
	n := 0
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDirName {
				return filepath.SkipDir
			}
			return nil
		}
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk block directory: %w", err)
	}
	return n, nil
}

// pathFor returns the file path for a block.
func (s *FileStore) pathFor(link cid.Cid) (string, error) {
	if !link.Defined() {
		return "", errors.New("undefined block link")
	}
	dh, err := mh.Decode(link.Hash())
	if err != nil {
		return "", fmt.Errorf("invalid multihash in %s: %w", link, err)
	}
	name := base32Enc.EncodeToString(dh.Digest)
	if len(name) < 3 {
		return "", fmt.Errorf("digest too short in %s", link)
	}
	return filepath.Join(s.dir, name[:2], name[2:]+"-"+strconv.FormatUint(link.Type(), 16)), nil
}

// cleanupTmpDir removes all .tmp files from the temp directory.
func (s *FileStore) cleanupTmpDir() error {
	dir := filepath.Join(s.dir, tmpDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read tmp directory: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".tmp") {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove temp file %s: %w", entry.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// syncDir flushes a directory entry so a rename survives a power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // G304: internal path
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	if err := d.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync directory: %w", err), d.Close())
	}
	return d.Close()
}
