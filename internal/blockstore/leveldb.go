// Stores blocks and the root pointer in a single LevelDB database.

package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
)

// key layout:
//
//	b ++ binary CID   - block bytes
//	root              - binary CID of the current map root
var (
	blockPrefix = []byte{'b'}
	rootKey     = []byte("root")
	syncWrite   = &ldb_opt.WriteOptions{Sync: true}
)

// LevelDB is a Source backed by a LevelDB database.
//
// Every write is synced. The database also holds a root pointer slot, see
// [LevelDB.Root].
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// Close implements io.Closer.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Put implements Source.
func (l *LevelDB) Put(_ context.Context, link cid.Cid, data []byte) error {
	if err := l.db.Put(blockKey(link), data, syncWrite); err != nil {
		return fmt.Errorf("failed to write block %s: %w", link, err)
	}
	return nil
}

// Get implements Source.
func (l *LevelDB) Get(_ context.Context, link cid.Cid) ([]byte, bool, error) {
	data, err := l.db.Get(blockKey(link), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read block %s: %w", link, err)
	}
	return data, true, nil
}

// Delete implements Source.
func (l *LevelDB) Delete(_ context.Context, link cid.Cid) error {
	if err := l.db.Delete(blockKey(link), syncWrite); err != nil {
		return fmt.Errorf("failed to delete block %s: %w", link, err)
	}
	return nil
}

// Root returns the root pointer slot stored in the same database.
func (l *LevelDB) Root() *LevelDBRoot {
	return &LevelDBRoot{db: l.db}
}

// LevelDBRoot is a root pointer kept under a fixed LevelDB key.
type LevelDBRoot struct {
	db *leveldb.DB
}

// Get returns the current root, or false before the first write.
func (r *LevelDBRoot) Get(_ context.Context) (cid.Cid, bool, error) {
	data, err := r.db.Get(rootKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return cid.Undef, false, nil
		}
		return cid.Undef, false, fmt.Errorf("failed to read root: %w", err)
	}
	c, err := cid.Cast(data)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("invalid root pointer: %w", err)
	}
	return c, true, nil
}

// Set durably replaces the root.
func (r *LevelDBRoot) Set(_ context.Context, link cid.Cid) error {
	if err := r.db.Put(rootKey, link.Bytes(), syncWrite); err != nil {
		return fmt.Errorf("failed to write root: %w", err)
	}
	return nil
}

func blockKey(link cid.Cid) []byte {
	b := link.Bytes()
	key := make([]byte, 0, len(blockPrefix)+len(b))
	key = append(key, blockPrefix...)
	return append(key, b...)
}
