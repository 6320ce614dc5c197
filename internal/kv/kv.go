// Package kv is a transactional key-value store over a content-addressed
// sharded trie.
//
// All mutations go through [DB.Transact], which runs one closure at a time in
// submission order. A closure sees the store as committed by the previous
// transaction plus its own writes. On success the new blocks are written,
// then the root pointer is replaced, then superseded blocks are deleted. On
// failure nothing is written.
//
// [Partition] namespaces a DB by key prefix. Several partitions share one
// root so a single closure can update them atomically.
package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/maruel/pailstore/internal/blockstore"
	"github.com/maruel/pailstore/internal/lockfile"
	"github.com/maruel/pailstore/internal/pail"
	"github.com/maruel/pailstore/internal/rootptr"
)

var (
	// ErrClosed is returned when submitting to a closed DB.
	ErrClosed = errors.New("db closed")
	// ErrTxnClosed is returned by operations on a transaction handle after
	// its transaction ended.
	ErrTxnClosed = errors.New("transaction closed")
	// ErrTxnTimeout is the cause of a transaction aborted by the timeout set
	// with WithTxnTimeout.
	ErrTxnTimeout = errors.New("transaction timed out")
	// ErrMissingBlock is returned when a block referenced by the trie is not
	// in the block source.
	ErrMissingBlock = pail.ErrMissingBlock
	// ErrCorruptBlock is returned when block verification is enabled and a
	// block does not hash to its link.
	ErrCorruptBlock = errors.New("corrupt block")
)

// On-disk layout of a data directory opened with Open.
const (
	LockFile   = "LOCK"
	RootFile   = "root"
	BlocksDir  = "blocks"
	LevelDBDir = "pail.leveldb"
)

// DB is a transactional store.
type DB struct {
	blocks blockstore.Source
	root   rootptr.Pointer
	opts   options

	// mu orders submissions against Close.
	mu     sync.RWMutex
	closed bool
	jobs   chan *job
	done   chan struct{}

	obs    observers
	closer func() error
}

type job struct {
	ctx    context.Context
	fn     func(*Txn) error
	result chan error
}

// New returns a DB over caller supplied storage.
//
// The caller keeps ownership of source and pointer and must not share them
// with another DB.
func New(source blockstore.Source, pointer rootptr.Pointer, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	db := &DB{
		blocks: source,
		root:   pointer,
		opts:   o,
		jobs:   make(chan *job),
		done:   make(chan struct{}),
	}
	db.obs.start()
	go db.work()
	return db, nil
}

// Open opens the store in dir, creating it if needed.
//
// The directory is locked for the lifetime of the DB; a second Open fails
// with lockfile.ErrLocked.
func Open(dir string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock, err := lockfile.Acquire(filepath.Join(dir, LockFile))
	if err != nil {
		return nil, err
	}
	var src blockstore.Source
	var ptr rootptr.Pointer
	switch o.backend {
	case BackendFS:
		fs, err := blockstore.NewFileStore(filepath.Join(dir, BlocksDir))
		if err != nil {
			return nil, errors.Join(err, lock.Release())
		}
		src = fs
		ptr = rootptr.NewFile(filepath.Join(dir, RootFile))
	case BackendLevelDB:
		ldb, err := blockstore.OpenLevelDB(filepath.Join(dir, LevelDBDir))
		if err != nil {
			return nil, errors.Join(err, lock.Release())
		}
		src = ldb
		ptr = ldb.Root()
	}
	if o.cacheSize > 0 {
		c, err := blockstore.NewCached(src, o.cacheSize)
		if err != nil {
			return nil, errors.Join(err, closeSource(src), lock.Release())
		}
		src = c
	}
	db, err := New(src, ptr, opts...)
	if err != nil {
		return nil, errors.Join(err, closeSource(src), lock.Release())
	}
	db.closer = func() error {
		return errors.Join(closeSource(src), lock.Release())
	}
	slog.Debug("Opened store", "dir", dir, "backend", o.backend)
	return db, nil
}

func closeSource(src blockstore.Source) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close waits for queued transactions, stops observer dispatch and
// releases storage opened by Open.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	close(db.jobs)
	db.mu.Unlock()
	<-db.done
	db.obs.stop()
	if db.closer != nil {
		return db.closer()
	}
	return nil
}

// Root returns the committed root.
func (db *DB) Root(ctx context.Context) (cid.Cid, bool, error) {
	return db.root.Get(ctx)
}

// Transact runs fn in its own transaction.
//
// fn runs after every previously submitted transaction finished. The returned
// error is fn's error, or the error that prevented the commit. The txn handle
// must not be used after fn returns.
func (db *DB) Transact(ctx context.Context, fn func(*Txn) error) error {
	j := &job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrClosed
	}
	select {
	case db.jobs <- j:
	case <-ctx.Done():
		db.mu.RUnlock()
		return ctx.Err()
	}
	db.mu.RUnlock()
	return <-j.result
}

func (db *DB) work() {
	defer close(db.done)
	for j := range db.jobs {
		j.result <- db.run(j.ctx, j.fn)
	}
}

// run executes one transaction from start to commit or discard.
func (db *DB) run(ctx context.Context, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if db.opts.txnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, db.opts.txnTimeout, ErrTxnTimeout)
		defer cancel()
	}
	start, err := db.loadRoot(ctx)
	if err != nil {
		return err
	}
	txn := newTxn(db, start)
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("transaction panicked: %v", r)
			}
		}()
		errc <- fn(txn)
	}()
	finished, err := awaitClosure(ctx, errc)
	if !finished {
		// The closure may still be running; it only ever touches its own
		// overlay, which is dropped here.
		txn.closed.Store(true)
		err = fmt.Errorf("transaction aborted: %w", context.Cause(ctx))
		slog.WarnContext(ctx, "Transaction aborted", "err", err)
		return err
	}
	txn.end()
	if err != nil {
		slog.DebugContext(ctx, "Transaction rolled back", "err", err)
		return err
	}
	// A commit that started must run to completion: interrupting it would
	// report a failure for a root that may already be durable.
	return db.commit(context.WithoutCancel(ctx), txn)
}

// awaitClosure waits for the closure result until ctx is done. A result that
// is ready when ctx expires still wins.
func awaitClosure(ctx context.Context, errc <-chan error) (bool, error) {
	select {
	case err := <-errc:
		return true, err
	case <-ctx.Done():
	}
	select {
	case err := <-errc:
		return true, err
	default:
		return false, nil
	}
}

// loadRoot returns the committed root, creating and persisting an empty one
// on first use.
func (db *DB) loadRoot(ctx context.Context) (cid.Cid, error) {
	root, ok, err := db.root.Get(ctx)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to read root: %w", err)
	}
	if ok {
		return root, nil
	}
	b, err := pail.NewRoot()
	if err != nil {
		return cid.Undef, err
	}
	if err := db.blocks.Put(ctx, b.Link, b.Bytes); err != nil {
		return cid.Undef, fmt.Errorf("failed to write empty root: %w", err)
	}
	if err := db.root.Set(ctx, b.Link); err != nil {
		return cid.Undef, fmt.Errorf("failed to initialize root: %w", err)
	}
	slog.InfoContext(ctx, "Created empty root", "root", b.Link)
	return b.Link, nil
}

// commit writes additions, then the root, then deletes removals.
func (db *DB) commit(ctx context.Context, txn *Txn) error {
	if txn.root.Equals(txn.start) {
		// Everything reachable from the root is already durable.
		return nil
	}
	for _, b := range txn.additions {
		if err := db.blocks.Put(ctx, b.Link, b.Bytes); err != nil {
			return fmt.Errorf("failed to write block: %w", err)
		}
	}
	if err := db.root.Set(ctx, txn.root); err != nil {
		return fmt.Errorf("failed to update root: %w", err)
	}
	// The transaction is durable from here on. A block that cannot be deleted
	// is unreferenced garbage, not a reason to fail.
	for _, b := range txn.removals {
		if err := db.blocks.Delete(ctx, b.Link); err != nil {
			slog.WarnContext(ctx, "Failed to delete superseded block", "link", b.Link, "err", err)
		}
	}
	slog.InfoContext(ctx, "Transaction commit", "root", txn.root)
	db.obs.publish(ctx, txn.commitInfo())
	return nil
}
