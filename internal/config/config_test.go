package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maruel/pailstore/internal/kv"
)

func TestLoad(t *testing.T) {
	t.Run("creates defaults", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		cfg, err := Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		if *cfg != Default() {
			t.Errorf("Load() = %+v, want %+v", *cfg, Default())
		}
		data, err := os.ReadFile(filepath.Join(dir, FileName))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "txn_timeout: 30s") {
			t.Errorf("%s =\n%s", FileName, data)
		}
	})

	t.Run("partial file", func(t *testing.T) {
		dir := t.TempDir()
		content := "backend: leveldb\ntxn_timeout: 1m30s\nverify_blocks: true\n"
		if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		want := Default()
		want.Backend = kv.BackendLevelDB
		want.TxnTimeout = 90 * time.Second
		want.VerifyBlocks = true
		if *cfg != want {
			t.Errorf("Load() = %+v, want %+v", *cfg, want)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		dir := t.TempDir()
		want := Config{Backend: kv.BackendLevelDB, MaxShardSize: 4096, MaxKeyLength: 8}
		if err := want.Save(dir); err != nil {
			t.Fatal(err)
		}
		got, err := Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		if *got != want {
			t.Errorf("Load() = %+v, want %+v", *got, want)
		}
	})

	for _, tt := range []struct {
		name    string
		content string
	}{
		{"syntax", "backend: [\n"},
		{"backend", "backend: tape\n"},
		{"cache", "block_cache_size: -1\n"},
		{"timeout", "txn_timeout: -1s\n"},
		{"shard", "max_shard_size: -5\n"},
		{"key length", "max_key_length: 2\n"},
	} {
		t.Run("invalid "+tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveInvalid(t *testing.T) {
	c := Default()
	c.Backend = "tape"
	if err := c.Save(t.TempDir()); err == nil {
		t.Error("expected error")
	}
}

func TestOptions(t *testing.T) {
	c := Default()
	c.Backend = kv.BackendLevelDB
	db, err := kv.Open(t.TempDir(), c.Options()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var s struct {
		Properties map[string]struct {
			Type string   `json:"type"`
			Enum []string `json:"enum"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"backend", "block_cache_size", "txn_timeout", "max_shard_size", "max_key_length", "verify_blocks"} {
		if _, ok := s.Properties[name]; !ok {
			t.Errorf("schema is missing %q", name)
		}
	}
	if got := s.Properties["txn_timeout"].Type; got != "string" {
		t.Errorf("txn_timeout type = %q, want string", got)
	}
	if got := s.Properties["backend"].Enum; len(got) != 2 {
		t.Errorf("backend enum = %q", got)
	}
}
