package pail

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/maruel/pailstore/internal/block"
)

// memBlocks applies diffs the way a committed transaction does: removals are
// deleted, additions written.
type memBlocks map[cid.Cid][]byte

func (m memBlocks) Get(_ context.Context, link cid.Cid) ([]byte, bool, error) {
	b, ok := m[link]
	return b, ok, nil
}

func (m memBlocks) apply(d Diff) {
	for _, b := range d.Removals {
		delete(m, b.Link)
	}
	for _, b := range d.Additions {
		m[b.Link] = b.Bytes
	}
}

type trie struct {
	t      *testing.T
	blocks memBlocks
	root   cid.Cid
	opts   Options
}

func newTrie(t *testing.T, opts Options) *trie {
	t.Helper()
	r, err := NewRoot()
	if err != nil {
		t.Fatal(err)
	}
	return &trie{t: t, blocks: memBlocks{r.Link: r.Bytes}, root: r.Link, opts: opts}
}

func (tr *trie) put(key string, value cid.Cid) Diff {
	tr.t.Helper()
	d, err := Put(tr.t.Context(), tr.blocks, tr.root, key, value, tr.opts)
	if err != nil {
		tr.t.Fatalf("Put(%q) error = %v", key, err)
	}
	tr.blocks.apply(d)
	tr.root = d.Root
	return d
}

func (tr *trie) del(key string) Diff {
	tr.t.Helper()
	d, err := Del(tr.t.Context(), tr.blocks, tr.root, key)
	if err != nil {
		tr.t.Fatalf("Del(%q) error = %v", key, err)
	}
	tr.blocks.apply(d)
	tr.root = d.Root
	return d
}

func (tr *trie) get(key string) (cid.Cid, bool) {
	tr.t.Helper()
	v, ok, err := Get(tr.t.Context(), tr.blocks, tr.root, key)
	if err != nil {
		tr.t.Fatalf("Get(%q) error = %v", key, err)
	}
	return v, ok
}

func (tr *trie) keys(opts EntriesOptions) []string {
	tr.t.Helper()
	var out []string
	for e, err := range Entries(tr.t.Context(), tr.blocks, tr.root, opts) {
		if err != nil {
			tr.t.Fatalf("Entries() error = %v", err)
		}
		out = append(out, e.Key)
	}
	return out
}

func valueOf(t *testing.T, s string) cid.Cid {
	t.Helper()
	l, err := block.Identify(cid.Raw, []byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func emptyRoot(t *testing.T) cid.Cid {
	t.Helper()
	r, err := NewRoot()
	if err != nil {
		t.Fatal(err)
	}
	return r.Link
}

// randomKeys returns n distinct keys over a 4 letter alphabet so that any
// shard with more than 4 entries always has a common prefix to split on.
func randomKeys(n int, seed uint64) []string {
	r := rand.New(rand.NewPCG(seed, seed))
	seen := map[string]bool{}
	var out []string
	for len(out) < n {
		var sb strings.Builder
		for range 1 + r.IntN(6) {
			sb.WriteByte("abcd"[r.IntN(4)])
		}
		if k := sb.String(); !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func TestPutGet(t *testing.T) {
	tr := newTrie(t, Options{})
	tr.put("foo", valueOf(t, "1"))
	tr.put("bar", valueOf(t, "2"))
	tr.put("foo", valueOf(t, "3"))

	if v, ok := tr.get("foo"); !ok || !v.Equals(valueOf(t, "3")) {
		t.Errorf("get(foo) = %s, %v", v, ok)
	}
	if v, ok := tr.get("bar"); !ok || !v.Equals(valueOf(t, "2")) {
		t.Errorf("get(bar) = %s, %v", v, ok)
	}
	for _, k := range []string{"fo", "fooo", "baz"} {
		if _, ok := tr.get(k); ok {
			t.Errorf("get(%q) found a value", k)
		}
	}
	if _, _, err := Get(t.Context(), tr.blocks, tr.root, ""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestPutIdempotent(t *testing.T) {
	tr := newTrie(t, Options{MaxShardSize: 1024})
	keys := randomKeys(100, 1)
	for _, k := range keys {
		tr.put(k, valueOf(t, k))
	}
	before := tr.root
	d := tr.put(keys[0], valueOf(t, keys[0]))
	if !d.Root.Equals(before) {
		t.Errorf("Root = %s, want %s", d.Root, before)
	}
	if len(d.Additions) != 0 || len(d.Removals) != 0 {
		t.Errorf("diff = +%d -%d, want empty", len(d.Additions), len(d.Removals))
	}
}

func TestSharding(t *testing.T) {
	tr := newTrie(t, Options{MaxShardSize: 1024})
	keys := randomKeys(400, 2)
	for _, k := range keys {
		tr.put(k, valueOf(t, k))
	}
	if len(tr.blocks) < 2 {
		t.Fatalf("expected the trie to be sharded, got %d blocks", len(tr.blocks))
	}
	for _, b := range tr.blocks {
		if len(b) > 4*1024 {
			t.Errorf("shard of %d bytes", len(b))
		}
	}
	for _, k := range keys {
		if v, ok := tr.get(k); !ok || !v.Equals(valueOf(t, k)) {
			t.Fatalf("get(%q) = %s, %v", k, v, ok)
		}
	}
	want := slices.Clone(keys)
	slices.Sort(want)
	if got := tr.keys(EntriesOptions{}); !slices.Equal(got, want) {
		t.Errorf("keys() = %d keys, want %d sorted keys", len(got), len(want))
	}

	// Removing everything in another order collapses back to the empty root
	// and leaves no orphan shard.
	r := rand.New(rand.NewPCG(3, 3))
	r.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for i, k := range keys {
		tr.del(k)
		if i%50 == 0 {
			if _, ok := tr.get(k); ok {
				t.Fatalf("get(%q) after del found a value", k)
			}
			want := slices.Clone(keys[i+1:])
			slices.Sort(want)
			if got := tr.keys(EntriesOptions{}); !slices.Equal(got, want) {
				t.Fatalf("keys() after %d deletions = %d keys, want %d", i+1, len(got), len(want))
			}
		}
	}
	if !tr.root.Equals(emptyRoot(t)) {
		t.Errorf("root = %s, want the empty root", tr.root)
	}
	if len(tr.blocks) != 1 {
		t.Errorf("%d blocks left, want 1", len(tr.blocks))
	}
}

func TestLongKeys(t *testing.T) {
	tr := newTrie(t, Options{MaxKeyLength: 4})
	keys := []string{
		"abcdefghij",
		"abcdefghijklmnop",
		"abcdXY",
		"abcd",
		"abc",
		"abcdefgh",
		"zz",
		"abcdéfgh",
		"ab€€€€",
		"日本語のキー",
	}
	for _, k := range keys {
		tr.put(k, valueOf(t, k))
	}
	for _, k := range keys {
		if v, ok := tr.get(k); !ok || !v.Equals(valueOf(t, k)) {
			t.Errorf("get(%q) = %s, %v", k, v, ok)
		}
	}
	if _, ok := tr.get("abcdefghi"); ok {
		t.Error("get(abcdefghi) found a value")
	}
	want := slices.Clone(keys)
	slices.Sort(want)
	if got := tr.keys(EntriesOptions{}); !slices.Equal(got, want) {
		t.Errorf("keys() = %q, want %q", got, want)
	}
	for _, b := range tr.blocks {
		s, err := block.Decode[Shard](block.CBOR, b)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range s.Entries {
			if len(e.Key) > 4 {
				t.Errorf("shard %q holds key %q longer than the limit", s.Prefix, e.Key)
			}
		}
	}
	for _, k := range keys {
		tr.del(k)
	}
	if !tr.root.Equals(emptyRoot(t)) {
		t.Errorf("root = %s, want the empty root", tr.root)
	}
	if len(tr.blocks) != 1 {
		t.Errorf("%d blocks left, want 1", len(tr.blocks))
	}
}

func TestDel(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		tr := newTrie(t, Options{})
		tr.put("a", valueOf(t, "a"))
		before := tr.root
		d := tr.del("b")
		if !d.Root.Equals(before) || len(d.Additions) != 0 || len(d.Removals) != 0 {
			t.Errorf("Del(absent) = %+v, want empty diff", d)
		}
	})

	t.Run("value beside shard", func(t *testing.T) {
		tr := newTrie(t, Options{MaxKeyLength: 4})
		tr.put("abcd", valueOf(t, "v1"))
		tr.put("abcdefgh", valueOf(t, "v2"))
		tr.del("abcd")
		if _, ok := tr.get("abcd"); ok {
			t.Error("get(abcd) found a value")
		}
		if v, ok := tr.get("abcdefgh"); !ok || !v.Equals(valueOf(t, "v2")) {
			t.Errorf("get(abcdefgh) = %s, %v", v, ok)
		}
		tr.put("abcd", valueOf(t, "v3"))
		tr.del("abcdefgh")
		if v, ok := tr.get("abcd"); !ok || !v.Equals(valueOf(t, "v3")) {
			t.Errorf("get(abcd) = %s, %v", v, ok)
		}
		if got := tr.keys(EntriesOptions{}); !slices.Equal(got, []string{"abcd"}) {
			t.Errorf("keys() = %q", got)
		}
	})
}

func TestEntriesFilters(t *testing.T) {
	tr := newTrie(t, Options{MaxShardSize: 1024})
	keys := randomKeys(300, 4)
	for _, k := range keys {
		tr.put(k, valueOf(t, k))
	}
	slices.Sort(keys)
	tests := []EntriesOptions{
		{},
		{Prefix: "a"},
		{Prefix: "abc"},
		{Prefix: "dddddd"},
		{Prefix: "x"},
		{GT: "b"},
		{GT: "bcd"},
		{LT: "c"},
		{LT: "aab"},
		{GT: "ab", LT: "cd"},
		{Prefix: "b", GT: "bb"},
		{Prefix: "c", LT: "cc"},
		{Prefix: "d", GT: "db", LT: "dc"},
		{GT: "d", LT: "b"},
	}
	for _, opts := range tests {
		t.Run(fmt.Sprintf("%+v", opts), func(t *testing.T) {
			var want []string
			for _, k := range keys {
				if opts.match(k) {
					want = append(want, k)
				}
			}
			if got := tr.keys(opts); !slices.Equal(got, want) {
				t.Errorf("keys() = %q\nwant %q", got, want)
			}
		})
	}

	t.Run("early stop", func(t *testing.T) {
		n := 0
		for range Entries(t.Context(), tr.blocks, tr.root, EntriesOptions{}) {
			if n++; n == 3 {
				break
			}
		}
		if n != 3 {
			t.Errorf("iterated %d entries, want 3", n)
		}
	})
}

func TestMissingBlock(t *testing.T) {
	tr := newTrie(t, Options{MaxShardSize: 1024})
	keys := randomKeys(200, 5)
	for _, k := range keys {
		tr.put(k, valueOf(t, k))
	}
	ctx := t.Context()

	t.Run("root", func(t *testing.T) {
		if _, _, err := Get(ctx, memBlocks{}, tr.root, "a"); !errors.Is(err, ErrMissingBlock) {
			t.Errorf("Get() error = %v, want %v", err, ErrMissingBlock)
		}
		for _, err := range Entries(ctx, memBlocks{}, tr.root, EntriesOptions{}) {
			if !errors.Is(err, ErrMissingBlock) {
				t.Errorf("Entries() error = %v, want %v", err, ErrMissingBlock)
			}
		}
	})

	t.Run("child", func(t *testing.T) {
		broken := memBlocks{}
		for l, b := range tr.blocks {
			if !l.Equals(tr.root) {
				continue
			}
			broken[l] = b
		}
		var sawErr bool
		for _, err := range Entries(ctx, broken, tr.root, EntriesOptions{}) {
			if err != nil {
				if !errors.Is(err, ErrMissingBlock) {
					t.Errorf("Entries() error = %v, want %v", err, ErrMissingBlock)
				}
				sawErr = true
			}
		}
		if !sawErr {
			t.Error("Entries() did not report the missing shard")
		}
		if _, err := Put(ctx, broken, tr.root, "abcabc", valueOf(t, "x"), tr.opts); err != nil && !errors.Is(err, ErrMissingBlock) {
			t.Errorf("Put() error = %v", err)
		}
	})
}

func TestShardFull(t *testing.T) {
	// One entry fits, two do not and "a" and "b" share no prefix.
	tr := newTrie(t, Options{MaxShardSize: 80})
	tr.put("a", valueOf(t, "a"))
	_, err := Put(t.Context(), tr.blocks, tr.root, "b", valueOf(t, "b"), tr.opts)
	if !errors.Is(err, ErrShardFull) {
		t.Errorf("Put() error = %v, want %v", err, ErrShardFull)
	}
}

func TestOptionsValidate(t *testing.T) {
	for _, o := range []Options{{}, {MaxShardSize: 1, MaxKeyLength: 4}} {
		if err := o.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v", o, err)
		}
	}
	for _, o := range []Options{{MaxShardSize: -1}, {MaxKeyLength: 3}} {
		if err := o.Validate(); err == nil {
			t.Errorf("Validate(%+v) succeeded", o)
		}
	}
}

func TestEntryValueEncoding(t *testing.T) {
	v := valueOf(t, "v")
	s := valueOf(t, "s")
	for _, ev := range []EntryValue{{Value: v}, {Shard: s}, {Shard: s, Value: v}} {
		in := Shard{Prefix: "p", Entries: []ShardEntry{{Key: "k", Value: ev}}}
		b, err := encodeShard(in)
		if err != nil {
			t.Fatal(err)
		}
		out, err := block.Decode[Shard](block.CBOR, b.Bytes)
		if err != nil {
			t.Fatal(err)
		}
		got := out.Entries[0].Value
		if !got.Shard.Equals(ev.Shard) || !got.Value.Equals(ev.Value) {
			t.Errorf("decoded %+v, want %+v", got, ev)
		}
	}
}
