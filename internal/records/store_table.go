package records

import (
	"context"
	"time"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/kv"
)

// StoreItem records a CAR stored in a space.
type StoreItem struct {
	Space string     `cbor:"space"`
	Link  block.Link `cbor:"link"`
	Size  uint64     `cbor:"size"`
	// Origin optionally links the CAR this one was derived from.
	Origin     *block.Link `cbor:"origin,omitempty"`
	InsertedAt time.Time   `cbor:"insertedAt"`
}

// StoreTable stores CAR registrations per space, indexed by link.
type StoreTable struct {
	p *kv.Partition[StoreItem]
}

// NewStoreTable returns the store table of db.
func NewStoreTable(db *kv.DB) *StoreTable {
	return &StoreTable{p: kv.NewPartition[StoreItem](db, "store/")}
}

// Insert registers item. It fails with ErrRecordKeyConflict if the space
// already holds the link.
func (t *StoreTable) Insert(ctx context.Context, item StoreItem) (*StoreItem, error) {
	rec, err := kv.Do(ctx, t.p, func(s kv.Store[StoreItem]) (StoreItem, error) {
		key := dataKey(item.Space, item.Link.String())
		ok, err := s.Has(ctx, key)
		if err != nil {
			return StoreItem{}, err
		}
		if ok {
			return StoreItem{}, ErrRecordKeyConflict
		}
		rec := item
		rec.InsertedAt = now()
		if err := s.Put(ctx, key, rec); err != nil {
			return StoreItem{}, err
		}
		return rec, s.Put(ctx, indexKey(item.Link.String(), item.Space), rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the registration of link in space.
func (t *StoreTable) Get(ctx context.Context, space string, link block.Link) (*StoreItem, error) {
	rec, err := kv.Do(ctx, t.p, func(s kv.Store[StoreItem]) (StoreItem, error) {
		rec, ok, err := s.Get(ctx, dataKey(space, link.String()))
		if err == nil && !ok {
			err = ErrRecordNotFound
		}
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Exists reports whether space holds link.
func (t *StoreTable) Exists(ctx context.Context, space string, link block.Link) (bool, error) {
	return kv.Do(ctx, t.p, func(s kv.Store[StoreItem]) (bool, error) {
		return s.Has(ctx, dataKey(space, link.String()))
	})
}

// Remove deletes the registration of link in space and returns the size it
// accounted for.
func (t *StoreTable) Remove(ctx context.Context, space string, link block.Link) (uint64, error) {
	return kv.Do(ctx, t.p, func(s kv.Store[StoreItem]) (uint64, error) {
		key := dataKey(space, link.String())
		rec, ok, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrRecordNotFound
		}
		if err := s.Del(ctx, key); err != nil {
			return 0, err
		}
		return rec.Size, s.Del(ctx, indexKey(link.String(), space))
	})
}

// List returns a page of the registrations of space in link order.
func (t *StoreTable) List(ctx context.Context, space string, opts ListOptions) (Page[StoreItem], error) {
	return kv.Do(ctx, t.p, func(s kv.Store[StoreItem]) (Page[StoreItem], error) {
		return list(ctx, s, dataKey(space)+"/", opts)
	})
}

// Inspect returns the spaces holding link.
func (t *StoreTable) Inspect(ctx context.Context, link block.Link) ([]SpaceInsertion, error) {
	return kv.Do(ctx, t.p, func(s kv.Store[StoreItem]) ([]SpaceInsertion, error) {
		return inspect(ctx, s, link.String(), func(v StoreItem) SpaceInsertion {
			return SpaceInsertion{Space: v.Space, InsertedAt: v.InsertedAt}
		})
	})
}
