package kv

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/pail"
)

// Store is the key-value view a transaction closure works with.
//
// Absent keys are not errors: Get returns false and Del is a no-op.
type Store[T any] interface {
	Put(ctx context.Context, key string, v T) error
	Get(ctx context.Context, key string) (T, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) error
	// Entries iterates in key order over a snapshot taken when iteration
	// starts. Mutating the store while iterating is allowed.
	Entries(ctx context.Context, opts EntriesOptions) iter.Seq2[Entry[T], error]
}

// Entry is a key and its decoded value.
type Entry[T any] struct {
	Key   string
	Value T
}

// EntriesOptions filters Entries. Empty fields are ignored; the others must
// all match.
type EntriesOptions struct {
	Prefix string
	GT     string
	LT     string
}

// Txn is the handle of a running transaction. It implements Store[any] with
// the DB codec. Values come back in their decoded form: maps are
// map[string]any, arrays []any and integers int64.
//
// Blocks created by the transaction live in an overlay until commit. Blocks
// the transaction supersedes stay readable until commit so that a snapshot
// being iterated never loses a shard.
type Txn struct {
	db     *DB
	closed atomic.Bool

	mu        sync.Mutex
	start     cid.Cid
	root      cid.Cid
	additions map[cid.Cid]block.Block
	removals  map[cid.Cid]block.Block
	puts      []string
	dels      []string
}

var _ Store[any] = (*Txn)(nil)

func newTxn(db *DB, root cid.Cid) *Txn {
	return &Txn{
		db:        db,
		start:     root,
		root:      root,
		additions: map[cid.Cid]block.Block{},
		removals:  map[cid.Cid]block.Block{},
	}
}

// end marks the handle unusable once every in-flight operation returned.
func (t *Txn) end() {
	t.mu.Lock()
	t.closed.Store(true)
	t.mu.Unlock()
}

// Put implements Store.
func (t *Txn) Put(ctx context.Context, key string, v any) error {
	return t.put(ctx, t.db.opts.codec, key, v)
}

// Get implements Store.
func (t *Txn) Get(ctx context.Context, key string) (any, bool, error) {
	return getDecoded[any](ctx, t, t.db.opts.codec, key)
}

// Has implements Store.
func (t *Txn) Has(ctx context.Context, key string) (bool, error) {
	return t.has(ctx, key)
}

// Del implements Store.
func (t *Txn) Del(ctx context.Context, key string) error {
	return t.del(ctx, key)
}

// Entries implements Store.
func (t *Txn) Entries(ctx context.Context, opts EntriesOptions) iter.Seq2[Entry[any], error] {
	return entriesDecoded[any](ctx, t, t.db.opts.codec, "", pail.EntriesOptions(opts))
}

// Root returns the working root, including uncommitted changes.
func (t *Txn) Root() cid.Cid {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

func (t *Txn) put(ctx context.Context, c block.Codec, key string, v any) error {
	b, err := block.Encode(c, v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrTxnClosed
	}
	d, err := pail.Put(ctx, fetcher{t}, t.root, key, b.Link, t.db.opts.shard)
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	t.add(b)
	t.apply(d)
	t.puts = append(t.puts, key)
	return nil
}

func (t *Txn) get(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, false, ErrTxnClosed
	}
	link, ok, err := pail.Get(ctx, fetcher{t}, t.root, key)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := t.value(ctx, key, link)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *Txn) has(ctx context.Context, key string) (bool, error) {
	_, ok, err := t.Link(ctx, key)
	return ok, err
}

func (t *Txn) del(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrTxnClosed
	}
	link, ok, err := pail.Get(ctx, fetcher{t}, t.root, key)
	if err != nil || !ok {
		return err
	}
	// The value block itself is left alone: another key may link to it.
	if _, err := t.value(ctx, key, link); err != nil {
		return err
	}
	d, err := pail.Del(ctx, fetcher{t}, t.root, key)
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	t.apply(d)
	t.dels = append(t.dels, key)
	return nil
}

// rawEntry is an undecoded entry.
type rawEntry struct {
	key  string
	data []byte
}

// Link returns the value link of key without reading the value.
func (t *Txn) Link(ctx context.Context, key string) (cid.Cid, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return cid.Undef, false, ErrTxnClosed
	}
	return pail.Get(ctx, fetcher{t}, t.root, key)
}

// Links iterates in key order over the keys and value links of the snapshot
// taken when iteration starts. Value blocks are not read.
func (t *Txn) Links(ctx context.Context, opts EntriesOptions) iter.Seq2[pail.Entry, error] {
	return t.links(ctx, pail.EntriesOptions(opts))
}

// links holds the lock only while reading blocks so the caller can mutate
// the transaction between two entries.
func (t *Txn) links(ctx context.Context, opts pail.EntriesOptions) iter.Seq2[pail.Entry, error] {
	return func(yield func(pail.Entry, error) bool) {
		t.mu.Lock()
		if t.closed.Load() {
			t.mu.Unlock()
			yield(pail.Entry{}, ErrTxnClosed)
			return
		}
		root := t.root
		t.mu.Unlock()
		for e, err := range pail.Entries(ctx, lockedFetcher{t}, root, opts) {
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// scan yields the value bytes of the snapshot taken when iteration starts.
func (t *Txn) scan(ctx context.Context, opts pail.EntriesOptions) iter.Seq2[rawEntry, error] {
	return func(yield func(rawEntry, error) bool) {
		f := lockedFetcher{t}
		for e, err := range t.links(ctx, opts) {
			if err != nil {
				yield(rawEntry{}, err)
				return
			}
			data, err := f.value(ctx, e.Key, e.Value)
			if err != nil {
				yield(rawEntry{}, err)
				return
			}
			if !yield(rawEntry{key: e.Key, data: data}, nil) {
				return
			}
		}
	}
}

// add stages a block, rescuing it from the removals.
func (t *Txn) add(b block.Block) {
	delete(t.removals, b.Link)
	t.additions[b.Link] = b
}

// apply merges a trie diff into the overlay.
func (t *Txn) apply(d pail.Diff) {
	for _, b := range d.Additions {
		t.add(b)
	}
	for _, b := range d.Removals {
		delete(t.additions, b.Link)
		t.removals[b.Link] = b
	}
	t.root = d.Root
}

// fetch reads a block from the additions, then the removals, then storage.
func (t *Txn) fetch(ctx context.Context, link cid.Cid) ([]byte, bool, error) {
	if b, ok := t.additions[link]; ok {
		return b.Bytes, true, nil
	}
	if b, ok := t.removals[link]; ok {
		return b.Bytes, true, nil
	}
	data, ok, err := t.db.blocks.Get(ctx, link)
	if err != nil || !ok {
		return nil, ok, err
	}
	if t.db.opts.verify {
		if err := block.Verify(block.Block{Link: link, Bytes: data}); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
	}
	return data, true, nil
}

// value reads the value block of key.
func (t *Txn) value(ctx context.Context, key string, link cid.Cid) ([]byte, error) {
	data, ok, err := t.fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: value %s of key %q", ErrMissingBlock, link, key)
	}
	return data, nil
}

func (t *Txn) commitInfo() Commit {
	return Commit{
		Root:      t.root,
		Previous:  t.start,
		Puts:      t.puts,
		Dels:      t.dels,
		Additions: slices.Collect(maps.Keys(t.additions)),
		Removals:  slices.Collect(maps.Keys(t.removals)),
	}
}

// fetcher reads through the overlay. The caller holds t.mu.
type fetcher struct {
	t *Txn
}

func (f fetcher) Get(ctx context.Context, link cid.Cid) ([]byte, bool, error) {
	return f.t.fetch(ctx, link)
}

// lockedFetcher reads through the overlay, taking t.mu for each read.
type lockedFetcher struct {
	t *Txn
}

func (f lockedFetcher) Get(ctx context.Context, link cid.Cid) ([]byte, bool, error) {
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	if f.t.closed.Load() {
		return nil, false, ErrTxnClosed
	}
	return f.t.fetch(ctx, link)
}

func (f lockedFetcher) value(ctx context.Context, key string, link cid.Cid) ([]byte, error) {
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	if f.t.closed.Load() {
		return nil, ErrTxnClosed
	}
	return f.t.value(ctx, key, link)
}

func getDecoded[T any](ctx context.Context, t *Txn, c block.Codec, key string) (T, bool, error) {
	var zero T
	data, ok, err := t.get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := block.Decode[T](c, data)
	if err != nil {
		return zero, false, fmt.Errorf("key %q: %w", key, err)
	}
	return v, true, nil
}

func entriesDecoded[T any](ctx context.Context, t *Txn, c block.Codec, strip string, opts pail.EntriesOptions) iter.Seq2[Entry[T], error] {
	return func(yield func(Entry[T], error) bool) {
		for e, err := range t.scan(ctx, opts) {
			if err != nil {
				yield(Entry[T]{}, err)
				return
			}
			v, err := block.Decode[T](c, e.data)
			if err != nil {
				yield(Entry[T]{}, fmt.Errorf("key %q: %w", e.key, err))
				return
			}
			if !yield(Entry[T]{Key: e.key[len(strip):], Value: v}, nil) {
				return
			}
		}
	}
}
