package rootptr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

func testLink(t *testing.T, s string) cid.Cid {
	t.Helper()
	h, err := mh.Sum([]byte(s), mh.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.DagCBOR, h)
}

func TestFile(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "root")

	t.Run("unset", func(t *testing.T) {
		p := NewFile(path)
		if _, ok, err := p.Get(ctx); err != nil || ok {
			t.Fatalf("Get() = %v, %v; want absent", ok, err)
		}
	})

	t.Run("set and reopen", func(t *testing.T) {
		a := testLink(t, "a")
		b := testLink(t, "b")
		p := NewFile(path)
		if err := p.Set(ctx, a); err != nil {
			t.Fatal(err)
		}
		if err := p.Set(ctx, b); err != nil {
			t.Fatal(err)
		}
		got, ok, err := NewFile(path).Get(ctx)
		if err != nil || !ok {
			t.Fatalf("Get() = %v, %v", ok, err)
		}
		if !got.Equals(b) {
			t.Errorf("Get() = %s, want %s", got, b)
		}
		entries, err := os.ReadDir(filepath.Dir(path))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("directory has %d entries, want only the root file", len(entries))
		}
	})

	t.Run("undefined", func(t *testing.T) {
		if err := NewFile(path).Set(ctx, cid.Undef); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "root")
		if err := os.WriteFile(bad, []byte("garbage"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, _, err := NewFile(bad).Get(ctx); err == nil {
			t.Error("expected error")
		}
	})
}

func TestMemory(t *testing.T) {
	ctx := t.Context()
	var m Memory
	if _, ok, _ := m.Get(ctx); ok {
		t.Fatal("new Memory has a root")
	}
	a := testLink(t, "a")
	if err := m.Set(ctx, a); err != nil {
		t.Fatal(err)
	}
	if got, ok, _ := m.Get(ctx); !ok || !got.Equals(a) {
		t.Errorf("Get() = %s, %v; want %s", got, ok, a)
	}
}
