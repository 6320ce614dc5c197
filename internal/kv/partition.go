package kv

import (
	"context"
	"iter"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/pail"
)

// Partition is a namespace of a DB: every key is stored with a fixed prefix
// that callers never see.
//
// Partitions of one DB share its queue and root. Bind lets one transaction
// update several partitions atomically.
type Partition[T any] struct {
	db     *DB
	prefix string
	codec  block.Codec
}

// NewPartition returns the partition of db using prefix.
//
// Values are encoded with the DB codec unless WithCodec is passed. Other
// options are ignored.
func NewPartition[T any](db *DB, prefix string, opts ...Option) *Partition[T] {
	o := options{codec: db.opts.codec}
	for _, opt := range opts {
		opt(&o)
	}
	return &Partition[T]{db: db, prefix: prefix, codec: o.codec}
}

// Prefix returns the key prefix.
func (p *Partition[T]) Prefix() string {
	return p.prefix
}

// Transact runs fn in a transaction of the underlying DB.
func (p *Partition[T]) Transact(ctx context.Context, fn func(Store[T]) error) error {
	return p.db.Transact(ctx, func(txn *Txn) error {
		return fn(p.Bind(txn))
	})
}

// Bind returns the partition's view of a running transaction.
func (p *Partition[T]) Bind(txn *Txn) Store[T] {
	return &partitionStore[T]{txn: txn, prefix: p.prefix, codec: p.codec}
}

// Do runs fn in a transaction of p and returns its result.
func Do[T, R any](ctx context.Context, p *Partition[T], fn func(Store[T]) (R, error)) (R, error) {
	var out R
	err := p.Transact(ctx, func(s Store[T]) error {
		var err error
		out, err = fn(s)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}

type partitionStore[T any] struct {
	txn    *Txn
	prefix string
	codec  block.Codec
}

func (s *partitionStore[T]) Put(ctx context.Context, key string, v T) error {
	return s.txn.put(ctx, s.codec, s.prefix+key, v)
}

func (s *partitionStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return getDecoded[T](ctx, s.txn, s.codec, s.prefix+key)
}

func (s *partitionStore[T]) Has(ctx context.Context, key string) (bool, error) {
	return s.txn.has(ctx, s.prefix+key)
}

func (s *partitionStore[T]) Del(ctx context.Context, key string) error {
	return s.txn.del(ctx, s.prefix+key)
}

// Entries never leaves the partition: the prefix filter is always set and
// bounds are moved into the partition's key space.
func (s *partitionStore[T]) Entries(ctx context.Context, opts EntriesOptions) iter.Seq2[Entry[T], error] {
	po := pail.EntriesOptions{Prefix: s.prefix + opts.Prefix}
	if opts.GT != "" {
		po.GT = s.prefix + opts.GT
	}
	if opts.LT != "" {
		po.LT = s.prefix + opts.LT
	}
	return entriesDecoded[T](ctx, s.txn, s.codec, s.prefix, po)
}
