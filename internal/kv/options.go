package kv

import (
	"errors"
	"fmt"
	"time"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/pail"
)

// Backend selects the storage used by Open.
type Backend string

// Supported backends.
const (
	// BackendFS stores one file per block and the root in its own file.
	BackendFS Backend = "fs"
	// BackendLevelDB stores blocks and the root in one LevelDB database.
	BackendLevelDB Backend = "leveldb"
)

// Option configures a DB or a Partition.
type Option func(*options)

type options struct {
	codec      block.Codec
	shard      pail.Options
	txnTimeout time.Duration
	verify     bool
	backend    Backend
	cacheSize  int
}

func defaultOptions() options {
	return options{codec: block.CBOR, backend: BackendFS}
}

func (o *options) validate() error {
	if o.codec == nil {
		return errors.New("missing codec")
	}
	if err := o.shard.Validate(); err != nil {
		return err
	}
	if o.txnTimeout < 0 {
		return fmt.Errorf("invalid transaction timeout %s", o.txnTimeout)
	}
	if o.cacheSize < 0 {
		return fmt.Errorf("invalid block cache size %d", o.cacheSize)
	}
	switch o.backend {
	case BackendFS, BackendLevelDB:
	default:
		return fmt.Errorf("unknown backend %q", o.backend)
	}
	return nil
}

// WithCodec sets the value codec. It is the only option a Partition honors.
func WithCodec(c block.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithShardOptions sets the trie layout limits.
func WithShardOptions(s pail.Options) Option {
	return func(o *options) { o.shard = s }
}

// WithTxnTimeout bounds how long a transaction closure may run. A closure
// still running at the deadline is abandoned and its transaction fails with
// ErrTxnTimeout. Zero disables the limit.
func WithTxnTimeout(d time.Duration) Option {
	return func(o *options) { o.txnTimeout = d }
}

// WithVerifyBlocks re-hashes every block read from storage.
func WithVerifyBlocks(v bool) Option {
	return func(o *options) { o.verify = v }
}

// WithBackend selects the storage used by Open.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithBlockCache keeps up to n recently used blocks in memory. Only used by
// Open.
func WithBlockCache(n int) Option {
	return func(o *options) { o.cacheSize = n }
}
