package blockstore

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
)

// Cached is a read-through LRU cache in front of another Source.
//
// Blocks are immutable so cached bytes never go stale; Delete evicts.
type Cached struct {
	src   Source
	cache *lru.Cache
}

// NewCached wraps src with a cache holding up to size blocks.
func NewCached(src Source, size int) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &Cached{src: src, cache: c}, nil
}

// Put implements Source.
func (c *Cached) Put(ctx context.Context, link cid.Cid, data []byte) error {
	if err := c.src.Put(ctx, link, data); err != nil {
		return err
	}
	c.cache.Add(link, slices.Clone(data))
	return nil
}

// Get implements Source.
func (c *Cached) Get(ctx context.Context, link cid.Cid) ([]byte, bool, error) {
	if v, ok := c.cache.Get(link); ok {
		return slices.Clone(v.([]byte)), true, nil
	}
	data, ok, err := c.src.Get(ctx, link)
	if err != nil || !ok {
		return nil, ok, err
	}
	c.cache.Add(link, slices.Clone(data))
	return data, true, nil
}

// Delete implements Source.
func (c *Cached) Delete(ctx context.Context, link cid.Cid) error {
	c.cache.Remove(link)
	return c.src.Delete(ctx, link)
}

// Close closes the wrapped Source if it owns resources.
func (c *Cached) Close() error {
	c.cache.Purge()
	if cl, ok := c.src.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
