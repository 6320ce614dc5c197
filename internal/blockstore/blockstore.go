// Package blockstore provides durable content-addressed block storage.
//
// A [Source] has no transactional semantics of its own: every call is
// durable when it returns. Reading an absent block is not an error. Writing
// the same block twice, even concurrently, is safe because content
// addressing guarantees identical bytes.
package blockstore

import (
	"context"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/ipfs/go-cid"
)

// Source is the block persistence capability.
type Source interface {
	// Put durably stores data under the link.
	Put(ctx context.Context, link cid.Cid, data []byte) error
	// Get returns the block bytes, or false if the block is absent.
	Get(ctx context.Context, link cid.Cid) ([]byte, bool, error)
	// Delete removes the block. Deleting an absent block is a no-op.
	Delete(ctx context.Context, link cid.Cid) error
}

// Closer is a Source owning resources.
type Closer interface {
	Source
	io.Closer
}

// Memory is an in-memory Source.
type Memory struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

// NewMemory returns an empty in-memory Source.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[cid.Cid][]byte)}
}

// Put implements Source.
func (m *Memory) Put(_ context.Context, link cid.Cid, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[link] = slices.Clone(data)
	return nil
}

// Get implements Source.
func (m *Memory) Get(_ context.Context, link cid.Cid) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[link]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(data), true, nil
}

// Delete implements Source.
func (m *Memory) Delete(_ context.Context, link cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, link)
	return nil
}

// Len returns the number of stored blocks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// Links returns the links of all stored blocks in no particular order.
func (m *Memory) Links() []cid.Cid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Collect(maps.Keys(m.blocks))
}
