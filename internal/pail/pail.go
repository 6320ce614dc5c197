// Package pail implements an ordered, sharded trie of content-addressed
// shards mapping string keys to value links.
//
// Every operation is a pure function of a [Fetcher] and a root link.
// Mutations never write: they return a [Diff] listing the shard blocks that
// were created and the ones they supersede, and the caller decides how to
// persist them.
package pail

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ipfs/go-cid"

	"github.com/maruel/pailstore/internal/block"
)

const (
	// DefaultMaxShardSize is the encoded size above which a shard is split.
	DefaultMaxShardSize = 512 * 1024
	// DefaultMaxKeyLength is the longest relative key stored in one shard,
	// in bytes. Longer keys are chained through intermediate shards.
	DefaultMaxKeyLength = 64
)

var (
	// ErrMissingBlock is returned when a shard referenced by the trie cannot
	// be found. It indicates corruption and is never treated as absence.
	ErrMissingBlock = errors.New("missing block")
	// ErrShardFull is returned when an oversized shard has no common key
	// prefix to split on.
	ErrShardFull = errors.New("shard size limit reached")

	errEmptyKey = errors.New("empty key")
)

// Fetcher reads blocks.
type Fetcher interface {
	Get(ctx context.Context, link cid.Cid) ([]byte, bool, error)
}

// Options tunes shard layout. Zero fields use the defaults.
type Options struct {
	MaxShardSize int
	MaxKeyLength int
}

// Validate checks the limits.
func (o *Options) Validate() error {
	if o.MaxShardSize < 0 {
		return fmt.Errorf("invalid max shard size %d", o.MaxShardSize)
	}
	if o.MaxKeyLength != 0 && o.MaxKeyLength < utf8.UTFMax {
		return fmt.Errorf("max key length must be at least %d, got %d", utf8.UTFMax, o.MaxKeyLength)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.MaxShardSize == 0 {
		o.MaxShardSize = DefaultMaxShardSize
	}
	if o.MaxKeyLength == 0 {
		o.MaxKeyLength = DefaultMaxKeyLength
	}
	return o
}

// Diff is the result of a mutation.
type Diff struct {
	// Root is the new root. It equals the input root when nothing changed.
	Root cid.Cid
	// Additions are the new shard blocks.
	Additions []block.Block
	// Removals are the shard blocks no longer referenced from Root.
	Removals []block.Block
}

// Entry is a key and its value link.
type Entry struct {
	Key   string
	Value cid.Cid
}

// EntriesOptions filters Entries. All set filters must match.
type EntriesOptions struct {
	// Prefix keeps keys starting with it.
	Prefix string
	// GT keeps keys strictly greater than it.
	GT string
	// LT keeps keys strictly less than it.
	LT string
}

func (o *EntriesOptions) match(key string) bool {
	return (o.Prefix == "" || strings.HasPrefix(key, o.Prefix)) &&
		(o.GT == "" || key > o.GT) &&
		(o.LT == "" || key < o.LT)
}

// mayContain reports whether a subtree holding keys strictly longer than
// prefix p and starting with it can match.
func (o *EntriesOptions) mayContain(p string) bool {
	if o.Prefix != "" && !strings.HasPrefix(p, o.Prefix) && !strings.HasPrefix(o.Prefix, p) {
		return false
	}
	if o.GT != "" && p < o.GT && !strings.HasPrefix(o.GT, p) {
		return false
	}
	if o.LT != "" && p >= o.LT {
		return false
	}
	return true
}

// Get returns the value link stored under key.
func Get(ctx context.Context, f Fetcher, root cid.Cid, key string) (cid.Cid, bool, error) {
	if key == "" {
		return cid.Undef, false, errEmptyKey
	}
	path, err := traverse(ctx, f, root, key)
	if err != nil {
		return cid.Undef, false, err
	}
	target := path[len(path)-1].shard
	i, ok := findEntry(target.Entries, key[len(target.Prefix):])
	if !ok || !target.Entries[i].Value.Value.Defined() {
		return cid.Undef, false, nil
	}
	return target.Entries[i].Value.Value, true, nil
}

// Put stores value under key.
//
// Putting a pair that is already present returns an empty Diff.
func Put(ctx context.Context, f Fetcher, root cid.Cid, key string, value cid.Cid, opts Options) (Diff, error) {
	if key == "" {
		return Diff{}, errEmptyKey
	}
	if !value.Defined() {
		return Diff{}, errors.New("undefined value link")
	}
	opts = opts.withDefaults()
	path, err := traverse(ctx, f, root, key)
	if err != nil {
		return Diff{}, err
	}
	target := path[len(path)-1]
	skey := key[len(target.shard.Prefix):]
	s, additions, err := insert(target.shard, skey, value, opts)
	if err != nil {
		return Diff{}, err
	}
	child, err := encodeShard(s)
	if err != nil {
		return Diff{}, err
	}
	if child.Link.Equals(target.Link) {
		return Diff{Root: root}, nil
	}
	additions = append(additions, child.Block)
	ancestors, err := propagate(path[:len(path)-1], child)
	if err != nil {
		return Diff{}, err
	}
	additions = append(additions, ancestors...)
	return Diff{Root: additions[len(additions)-1].Link, Additions: additions, Removals: blocksOf(path)}, nil
}

// Del removes key.
//
// Deleting an absent key returns an empty Diff. Shards left empty are
// removed from their parent.
func Del(ctx context.Context, f Fetcher, root cid.Cid, key string) (Diff, error) {
	if key == "" {
		return Diff{}, errEmptyKey
	}
	path, err := traverse(ctx, f, root, key)
	if err != nil {
		return Diff{}, err
	}
	level := len(path) - 1
	target := path[level].shard
	idx, ok := findEntry(target.Entries, key[len(target.Prefix):])
	if !ok || !target.Entries[idx].Value.Value.Defined() {
		return Diff{Root: root}, nil
	}
	removals := blocksOf(path)
	s := Shard{Prefix: target.Prefix, Entries: slices.Clone(target.Entries)}
	if e := s.Entries[idx]; e.Value.Shard.Defined() {
		s.Entries[idx] = ShardEntry{Key: e.Key, Value: EntryValue{Shard: e.Value.Shard}}
	} else {
		s.Entries = slices.Delete(s.Entries, idx, idx+1)
	}
	for len(s.Entries) == 0 && level > 0 {
		child := path[level].shard
		level--
		parent := path[level].shard
		s = Shard{Prefix: parent.Prefix, Entries: slices.Clone(parent.Entries)}
		i, ok := findEntry(s.Entries, child.Prefix[len(parent.Prefix):])
		if !ok {
			return Diff{}, fmt.Errorf("shard %s does not link to %q", path[level].Link, child.Prefix)
		}
		if v := s.Entries[i].Value.Value; v.Defined() {
			s.Entries[i] = ShardEntry{Key: s.Entries[i].Key, Value: EntryValue{Value: v}}
		} else {
			s.Entries = slices.Delete(s.Entries, i, i+1)
		}
	}
	child, err := encodeShard(s)
	if err != nil {
		return Diff{}, err
	}
	additions := []block.Block{child.Block}
	ancestors, err := propagate(path[:level], child)
	if err != nil {
		return Diff{}, err
	}
	additions = append(additions, ancestors...)
	return Diff{Root: additions[len(additions)-1].Link, Additions: additions, Removals: removals}, nil
}

// Entries iterates over the pairs matching opts in key order.
//
// Subtrees that cannot match are not fetched.
func Entries(ctx context.Context, f Fetcher, root cid.Cid, opts EntriesOptions) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		s, err := fetchShard(ctx, f, root)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		walk(ctx, f, s.shard, &opts, yield)
	}
}

func walk(ctx context.Context, f Fetcher, s Shard, opts *EntriesOptions, yield func(Entry, error) bool) bool {
	for _, e := range s.Entries {
		key := s.Prefix + e.Key
		if opts.LT != "" && key >= opts.LT {
			return false
		}
		if e.Value.Value.Defined() && opts.match(key) {
			if !yield(Entry{Key: key, Value: e.Value.Value}, nil) {
				return false
			}
		}
		if e.Value.Shard.Defined() && opts.mayContain(key) {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return false
			}
			child, err := fetchShard(ctx, f, e.Value.Shard)
			if err != nil {
				yield(Entry{}, err)
				return false
			}
			if !walk(ctx, f, child.shard, opts, yield) {
				return false
			}
		}
	}
	return true
}

// traverse returns the shards from root down to the one that holds or would
// hold key.
func traverse(ctx context.Context, f Fetcher, root cid.Cid, key string) ([]shardBlock, error) {
	s, err := fetchShard(ctx, f, root)
	if err != nil {
		return nil, err
	}
	path := []shardBlock{s}
	for {
		skey := key[len(s.shard.Prefix):]
		next := cid.Undef
		for _, e := range s.shard.Entries {
			if e.Key == skey {
				break
			}
			if e.Value.Shard.Defined() && strings.HasPrefix(skey, e.Key) {
				next = e.Value.Shard
				break
			}
		}
		if !next.Defined() {
			return path, nil
		}
		if s, err = fetchShard(ctx, f, next); err != nil {
			return nil, err
		}
		path = append(path, s)
	}
}

// insert puts key in s and returns the updated shard along with any child
// shard blocks created on the way.
func insert(s Shard, key string, value cid.Cid, opts Options) (Shard, []block.Block, error) {
	var additions []block.Block
	ekey := key
	if len(key) > opts.MaxKeyLength {
		// Chain the key: entries sharing the first segment move to a new
		// child shard which receives the remainder.
		ekey = cutKey(key, opts.MaxKeyLength)
		child, rest := extract(s, ekey)
		child, blocks, err := insert(child, key[len(ekey):], value, opts)
		if err != nil {
			return Shard{}, nil, err
		}
		cb, err := encodeShard(child)
		if err != nil {
			return Shard{}, nil, err
		}
		additions = append(append(additions, blocks...), cb.Block)
		s = Shard{Prefix: s.Prefix, Entries: putEntry(rest, ShardEntry{Key: ekey, Value: EntryValue{Shard: cb.Link}})}
	} else {
		s = Shard{Prefix: s.Prefix, Entries: putEntry(s.Entries, ShardEntry{Key: key, Value: EntryValue{Value: value}})}
	}

	encoded, err := encodeShard(s)
	if err != nil {
		return Shard{}, nil, err
	}
	if len(encoded.Bytes) <= opts.MaxShardSize {
		return s, additions, nil
	}
	prefix, matches, ok := findCommonPrefix(s.Entries, ekey)
	if !ok {
		return Shard{}, nil, fmt.Errorf("%w: shard %q", ErrShardFull, s.Prefix)
	}
	var keep EntryValue
	for _, m := range matches {
		if m.Key == prefix {
			if m.Value.Shard.Defined() {
				return Shard{}, nil, fmt.Errorf("expected %q to be a value in shard %q, found a shard link", prefix, s.Prefix)
			}
			keep = m.Value
		}
	}
	child, rest := extract(s, prefix)
	cb, err := encodeShard(child)
	if err != nil {
		return Shard{}, nil, err
	}
	additions = append(additions, cb.Block)
	rest = slices.DeleteFunc(rest, func(e ShardEntry) bool { return e.Key == prefix })
	s = Shard{Prefix: s.Prefix, Entries: putEntry(rest, ShardEntry{Key: prefix, Value: EntryValue{Shard: cb.Link, Value: keep.Value}})}
	return s, additions, nil
}

// extract returns a new child shard at s.Prefix+prefix holding the entries of
// s that start with prefix, excluding prefix itself, and the remaining
// entries of s.
func extract(s Shard, prefix string) (Shard, []ShardEntry) {
	child := Shard{Prefix: s.Prefix + prefix}
	var rest []ShardEntry
	for _, e := range s.Entries {
		if e.Key != prefix && strings.HasPrefix(e.Key, prefix) {
			child.Entries = append(child.Entries, ShardEntry{Key: e.Key[len(prefix):], Value: e.Value})
		} else {
			rest = append(rest, e)
		}
	}
	return child, rest
}

// propagate rewrites the ancestors, deepest last in path, to link to child.
// It returns the new ancestor blocks, root last.
func propagate(path []shardBlock, child shardBlock) ([]block.Block, error) {
	var out []block.Block
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i].shard
		key := child.shard.Prefix[len(parent.Prefix):]
		j, ok := findEntry(parent.Entries, key)
		if !ok || !parent.Entries[j].Value.Shard.Defined() {
			return nil, fmt.Errorf("%q is not a shard link in %s", key, path[i].Link)
		}
		entries := slices.Clone(parent.Entries)
		entries[j] = ShardEntry{Key: key, Value: EntryValue{Shard: child.Link, Value: entries[j].Value.Value}}
		next, err := encodeShard(Shard{Prefix: parent.Prefix, Entries: entries})
		if err != nil {
			return nil, err
		}
		out = append(out, next.Block)
		child = next
	}
	return out, nil
}

func blocksOf(path []shardBlock) []block.Block {
	out := make([]block.Block, len(path))
	for i, s := range path {
		out[i] = s.Block
	}
	return out
}
