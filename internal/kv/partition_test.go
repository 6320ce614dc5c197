package kv

import (
	"errors"
	"slices"
	"testing"

	"github.com/maruel/pailstore/internal/block"
)

type upload struct {
	Root   string   `cbor:"root"`
	Shards []string `cbor:"shards"`
}

func TestPartitionIsolation(t *testing.T) {
	ctx := t.Context()
	db, _, _ := newMemDB(t)
	a := NewPartition[upload](db, "a/")
	b := NewPartition[upload](db, "b/")
	if a.Prefix() != "a/" {
		t.Errorf("Prefix() = %q", a.Prefix())
	}
	for _, k := range []string{"x", "y", "z"} {
		if err := a.Transact(ctx, func(s Store[upload]) error {
			return s.Put(ctx, k, upload{Root: "a-" + k})
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Transact(ctx, func(s Store[upload]) error {
		return s.Put(ctx, "x", upload{Root: "b-x", Shards: []string{"s1"}})
	}); err != nil {
		t.Fatal(err)
	}

	got, err := Do(ctx, b, func(s Store[upload]) (upload, error) {
		u, ok, err := s.Get(ctx, "x")
		if !ok && err == nil {
			err = errors.New("not found")
		}
		return u, err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Root != "b-x" || !slices.Equal(got.Shards, []string{"s1"}) {
		t.Errorf("b/x = %+v", got)
	}

	for _, tt := range []struct {
		name string
		p    *Partition[upload]
		opts EntriesOptions
		want []string
	}{
		{"all a", a, EntriesOptions{}, []string{"x", "y", "z"}},
		{"all b", b, EntriesOptions{}, []string{"x"}},
		{"a gt", a, EntriesOptions{GT: "x"}, []string{"y", "z"}},
		// Bounds stay inside the partition even when they would reach past it.
		{"b lt", b, EntriesOptions{LT: "zzz"}, []string{"x"}},
		{"a lt", a, EntriesOptions{LT: "y"}, []string{"x"}},
		{"a prefix", a, EntriesOptions{Prefix: "z"}, []string{"z"}},
		{"b gt", b, EntriesOptions{GT: "x"}, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := Do(ctx, tt.p, func(s Store[upload]) ([]string, error) {
				return keysOf(collect(t, s.Entries(ctx, tt.opts))), nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(keys, tt.want) {
				t.Errorf("keys = %q, want %q", keys, tt.want)
			}
		})
	}

	has, err := Do(ctx, a, func(s Store[upload]) (bool, error) {
		if err := s.Del(ctx, "missing"); err != nil {
			return false, err
		}
		return s.Has(ctx, "b/x")
	})
	if err != nil || has {
		t.Errorf("Has(b/x) in a = %v, %v", has, err)
	}
}

func TestPartitionBind(t *testing.T) {
	ctx := t.Context()
	db, _, _ := newMemDB(t)
	uploads := NewPartition[upload](db, "upload/")
	counts := NewPartition[int](db, "count/")

	err := db.Transact(ctx, func(txn *Txn) error {
		u, c := uploads.Bind(txn), counts.Bind(txn)
		if err := u.Put(ctx, "root1", upload{Root: "root1"}); err != nil {
			return err
		}
		return c.Put(ctx, "uploads", 1)
	})
	if err != nil {
		t.Fatal(err)
	}

	errAbort := errors.New("abort")
	err = db.Transact(ctx, func(txn *Txn) error {
		u, c := uploads.Bind(txn), counts.Bind(txn)
		if err := u.Put(ctx, "root2", upload{Root: "root2"}); err != nil {
			return err
		}
		if err := c.Put(ctx, "uploads", 2); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("Transact() error = %v", err)
	}

	var keys []string
	err = db.Transact(ctx, func(txn *Txn) error {
		keys = keysOf(collect(t, txn.Entries(ctx, EntriesOptions{})))
		n, _, err := counts.Bind(txn).Get(ctx, "uploads")
		if n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"count/uploads", "upload/root1"}; !slices.Equal(keys, want) {
		t.Errorf("keys = %q, want %q", keys, want)
	}
}

func TestPartitionCodec(t *testing.T) {
	ctx := t.Context()
	db, _, _ := newMemDB(t)
	blobs := NewPartition[[]byte](db, "blob/", WithCodec(block.Raw))
	payload := []byte("\x00not cbor\xff")
	if err := blobs.Transact(ctx, func(s Store[[]byte]) error {
		return s.Put(ctx, "b1", payload)
	}); err != nil {
		t.Fatal(err)
	}
	got, err := Do(ctx, blobs, func(s Store[[]byte]) ([]byte, error) {
		v, _, err := s.Get(ctx, "b1")
		return v, err
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
	// The value is stored as a raw block under its own link.
	want, err := block.Encode(block.Raw, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := db.blocks.Get(ctx, want.Link); !ok || err != nil {
		t.Errorf("raw block %s = %v, %v", want.Link, ok, err)
	}
}
