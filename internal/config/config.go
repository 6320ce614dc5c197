// Manages the store configuration kept in config.yaml.

// Package config loads and saves the per data directory configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/maruel/pailstore/internal/kv"
	"github.com/maruel/pailstore/internal/pail"
)

// FileName is the configuration file name inside a data directory.
const FileName = "config.yaml"

// Config is the store configuration.
// Loaded from config.yaml, created with defaults if missing.
type Config struct {
	// Backend is where blocks and the root live: "fs" or "leveldb".
	Backend kv.Backend `yaml:"backend" jsonschema:"enum=fs,enum=leveldb,description=Block storage backend"`

	// BlockCacheSize is the number of blocks kept in memory. 0 disables the cache.
	BlockCacheSize int `yaml:"block_cache_size" jsonschema:"minimum=0,description=Number of recently used blocks kept in memory"`

	// TxnTimeout bounds how long a transaction may run. 0 means unlimited.
	TxnTimeout time.Duration `yaml:"txn_timeout" jsonschema:"type=string,description=Transaction time limit such as 30s; 0 disables it"`

	// MaxShardSize is the encoded shard size in bytes above which a shard is split.
	MaxShardSize int `yaml:"max_shard_size" jsonschema:"minimum=0,description=Shard size in bytes above which a shard is split"`

	// MaxKeyLength is the longest key segment in bytes stored in one shard.
	MaxKeyLength int `yaml:"max_key_length" jsonschema:"minimum=0,description=Longest key segment in bytes stored in one shard"`

	// VerifyBlocks re-hashes every block read from storage.
	VerifyBlocks bool `yaml:"verify_blocks" jsonschema:"description=Verify block hashes on read"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Backend:        kv.BackendFS,
		BlockCacheSize: 1024,
		TxnTimeout:     30 * time.Second,
		MaxShardSize:   pail.DefaultMaxShardSize,
		MaxKeyLength:   pail.DefaultMaxKeyLength,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case kv.BackendFS, kv.BackendLevelDB:
	default:
		return fmt.Errorf("backend: unknown backend %q", c.Backend)
	}
	if c.BlockCacheSize < 0 {
		return errors.New("block_cache_size must be non-negative")
	}
	if c.TxnTimeout < 0 {
		return errors.New("txn_timeout must be non-negative")
	}
	if c.MaxShardSize < 0 {
		return errors.New("max_shard_size must be non-negative")
	}
	s := c.shard()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("max_key_length: %w", err)
	}
	return nil
}

func (c *Config) shard() pail.Options {
	return pail.Options{MaxShardSize: c.MaxShardSize, MaxKeyLength: c.MaxKeyLength}
}

// Options returns the store options matching the configuration.
func (c *Config) Options() []kv.Option {
	return []kv.Option{
		kv.WithBackend(c.Backend),
		kv.WithBlockCache(c.BlockCacheSize),
		kv.WithTxnTimeout(c.TxnTimeout),
		kv.WithShardOptions(c.shard()),
		kv.WithVerifyBlocks(c.VerifyBlocks),
	}
}

// Load loads configuration from dataDir/config.yaml.
// Creates the file with defaults if it doesn't exist. Fields missing from the
// file keep their default.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, FileName)
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
		}
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Save saves configuration to dataDir/config.yaml.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// Schema returns the JSON schema of config.yaml, for editors.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, FieldNameTag: "yaml"}
	s := r.Reflect(&Config{})
	s.Title = "pailstore configuration"
	return json.MarshalIndent(s, "", "  ")
}
