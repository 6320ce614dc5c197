package pail

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ipfs/go-cid"

	"github.com/maruel/pailstore/internal/block"
)

// Shard is one node of the trie.
//
// Entries are sorted by Key. Prefix is the absolute key prefix shared by every
// key below this shard; entry keys are relative to it.
type Shard struct {
	Prefix  string       `cbor:"prefix"`
	Entries []ShardEntry `cbor:"entries"`
}

// ShardEntry maps a relative key to a value link, a child shard, or both.
type ShardEntry struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value EntryValue
}

// EntryValue is the value side of a ShardEntry.
//
// It encodes as a bare link when only Value is set, as [shard] when only
// Shard is set and as [shard, value] when both are.
type EntryValue struct {
	Shard cid.Cid
	Value cid.Cid
}

// MarshalCBOR implements cbor.Marshaler.
func (v EntryValue) MarshalCBOR() ([]byte, error) {
	switch {
	case !v.Shard.Defined():
		return block.NewLink(v.Value).MarshalCBOR()
	case !v.Value.Defined():
		return block.CBOR.Marshal([]block.Link{block.NewLink(v.Shard)})
	default:
		return block.CBOR.Marshal([]block.Link{block.NewLink(v.Shard), block.NewLink(v.Value)})
	}
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *EntryValue) UnmarshalCBOR(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty shard entry value")
	}
	// Major type 4 is an array.
	if data[0]>>5 != 4 {
		var l block.Link
		if err := l.UnmarshalCBOR(data); err != nil {
			return err
		}
		if !l.Defined() {
			return errors.New("null shard entry value")
		}
		*v = EntryValue{Value: l.Cid}
		return nil
	}
	var links []block.Link
	if err := block.CBOR.Unmarshal(data, &links); err != nil {
		return err
	}
	switch len(links) {
	case 1:
		*v = EntryValue{Shard: links[0].Cid}
	case 2:
		*v = EntryValue{Shard: links[0].Cid, Value: links[1].Cid}
	default:
		return fmt.Errorf("shard entry value has %d links", len(links))
	}
	if !v.Shard.Defined() {
		return errors.New("shard entry without shard link")
	}
	return nil
}

// shardBlock is a decoded shard and the block it came from.
type shardBlock struct {
	block.Block
	shard Shard
}

func encodeShard(s Shard) (shardBlock, error) {
	if s.Entries == nil {
		s.Entries = []ShardEntry{}
	}
	b, err := block.Encode(block.CBOR, s)
	if err != nil {
		return shardBlock{}, err
	}
	return shardBlock{Block: b, shard: s}, nil
}

func fetchShard(ctx context.Context, f Fetcher, link cid.Cid) (shardBlock, error) {
	data, ok, err := f.Get(ctx, link)
	if err != nil {
		return shardBlock{}, fmt.Errorf("failed to fetch shard %s: %w", link, err)
	}
	if !ok {
		return shardBlock{}, fmt.Errorf("%w: shard %s", ErrMissingBlock, link)
	}
	s, err := block.Decode[Shard](block.CBOR, data)
	if err != nil {
		return shardBlock{}, fmt.Errorf("invalid shard %s: %w", link, err)
	}
	return shardBlock{Block: block.Block{Link: link, Bytes: data}, shard: s}, nil
}

// NewRoot returns the empty root shard.
func NewRoot() (block.Block, error) {
	s, err := encodeShard(Shard{})
	if err != nil {
		return block.Block{}, err
	}
	return s.Block, nil
}

func compareEntryKey(e ShardEntry, key string) int {
	return strings.Compare(e.Key, key)
}

func findEntry(entries []ShardEntry, key string) (int, bool) {
	return slices.BinarySearchFunc(entries, key, compareEntryKey)
}

// putEntry returns a copy of entries with e inserted in order.
//
// An existing entry with the same key keeps its child shard when e only
// carries a value, and keeps its value when e only carries a shard.
func putEntry(entries []ShardEntry, e ShardEntry) []ShardEntry {
	i, found := findEntry(entries, e.Key)
	if !found {
		return slices.Insert(slices.Clone(entries), i, e)
	}
	old := entries[i].Value
	merged := e.Value
	if !merged.Shard.Defined() {
		merged.Shard = old.Shard
	}
	if !merged.Value.Defined() {
		merged.Value = old.Value
	}
	out := slices.Clone(entries)
	out[i] = ShardEntry{Key: e.Key, Value: merged}
	return out
}

// findCommonPrefix looks for the longest prefix shared by at least two
// entries, starting from the entry with key and wrapping around.
func findCommonPrefix(entries []ShardEntry, key string) (string, []ShardEntry, bool) {
	start, found := findEntry(entries, key)
	if !found {
		return "", nil, false
	}
	i := start
	for {
		for pfx := trimLastRune(entries[i].Key); pfx != ""; pfx = trimLastRune(pfx) {
			var matches []ShardEntry
			for _, e := range entries {
				if strings.HasPrefix(e.Key, pfx) {
					matches = append(matches, e)
				}
			}
			if len(matches) > 1 {
				return pfx, matches, true
			}
		}
		if i++; i == len(entries) {
			i = 0
		}
		if i == start {
			return "", nil, false
		}
	}
}

// cutKey returns the longest prefix of key at most n bytes long that ends
// on a rune boundary. It always returns at least one rune.
func cutKey(key string, n int) string {
	if len(key) <= n {
		return key
	}
	for i := n; i > 0; i-- {
		if utf8.RuneStart(key[i]) {
			return key[:i]
		}
	}
	for i := n + 1; i < len(key); i++ {
		if utf8.RuneStart(key[i]) {
			return key[:i]
		}
	}
	return key
}

func trimLastRune(s string) string {
	for i := len(s) - 1; i > 0; i-- {
		if utf8.RuneStart(s[i]) {
			return s[:i]
		}
	}
	return ""
}
