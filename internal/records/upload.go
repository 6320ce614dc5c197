package records

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/kv"
)

// Upload registers a DAG root in a space together with the CAR shards
// holding it.
type Upload struct {
	Space      string       `cbor:"space"`
	Root       block.Link   `cbor:"root"`
	Shards     []block.Link `cbor:"shards,omitempty"`
	InsertedAt time.Time    `cbor:"insertedAt"`
	UpdatedAt  time.Time    `cbor:"updatedAt"`
}

// UploadAddEvent is published after an upload is added or updated.
type UploadAddEvent struct {
	Root   block.Link
	Shards []block.Link
}

// Uploads stores uploads per space, indexed by root.
type Uploads struct {
	p *kv.Partition[Upload]

	mu   sync.Mutex
	subs []func(context.Context, UploadAddEvent)
}

// NewUploads returns the upload store of db.
func NewUploads(db *kv.DB) *Uploads {
	return &Uploads{p: kv.NewPartition[Upload](db, "upload/")}
}

// Subscribe registers fn to be called after every successful Upsert.
func (u *Uploads) Subscribe(fn func(context.Context, UploadAddEvent)) {
	u.mu.Lock()
	u.subs = append(u.subs, fn)
	u.mu.Unlock()
}

// Upsert adds an upload, merging its shards into an existing one.
func (u *Uploads) Upsert(ctx context.Context, space string, root block.Link, shards []block.Link) (*Upload, error) {
	rec, err := kv.Do(ctx, u.p, func(s kv.Store[Upload]) (Upload, error) {
		key := dataKey(space, root.String())
		rec, ok, err := s.Get(ctx, key)
		if err != nil {
			return Upload{}, err
		}
		t := now()
		if ok {
			for _, l := range shards {
				if !slices.ContainsFunc(rec.Shards, func(x block.Link) bool { return x.Equals(l.Cid) }) {
					rec.Shards = append(rec.Shards, l)
				}
			}
			rec.UpdatedAt = t
		} else {
			rec = Upload{Space: space, Root: root, Shards: slices.Clone(shards), InsertedAt: t, UpdatedAt: t}
		}
		if err := s.Put(ctx, key, rec); err != nil {
			return Upload{}, err
		}
		return rec, s.Put(ctx, indexKey(root.String(), space), rec)
	})
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	subs := u.subs
	u.mu.Unlock()
	ev := UploadAddEvent{Root: rec.Root, Shards: rec.Shards}
	for _, fn := range subs {
		fn(ctx, ev)
	}
	slog.DebugContext(ctx, "Upload added", "space", space, "root", root, "shards", len(rec.Shards))
	return &rec, nil
}

// Get returns the upload of root in space.
func (u *Uploads) Get(ctx context.Context, space string, root block.Link) (*Upload, error) {
	rec, err := kv.Do(ctx, u.p, func(s kv.Store[Upload]) (Upload, error) {
		rec, ok, err := s.Get(ctx, dataKey(space, root.String()))
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

// Exists reports whether space holds an upload of root.
func (u *Uploads) Exists(ctx context.Context, space string, root block.Link) (bool, error) {
	return kv.Do(ctx, u.p, func(s kv.Store[Upload]) (bool, error) {
		return s.Has(ctx, dataKey(space, root.String()))
	})
}

// Remove deletes the upload of root from space and returns it.
func (u *Uploads) Remove(ctx context.Context, space string, root block.Link) (*Upload, error) {
	rec, err := kv.Do(ctx, u.p, func(s kv.Store[Upload]) (Upload, error) {
		key := dataKey(space, root.String())
		rec, ok, err := s.Get(ctx, key)
		if err != nil {
			return Upload{}, err
		}
		if !ok {
			return Upload{}, ErrRecordNotFound
		}
		if err := s.Del(ctx, key); err != nil {
			return Upload{}, err
		}
		return rec, s.Del(ctx, indexKey(root.String(), space))
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns a page of the uploads of space in root order.
func (u *Uploads) List(ctx context.Context, space string, opts ListOptions) (Page[Upload], error) {
	return kv.Do(ctx, u.p, func(s kv.Store[Upload]) (Page[Upload], error) {
		return list(ctx, s, dataKey(space)+"/", opts)
	})
}

// Inspect returns the spaces holding an upload of root.
func (u *Uploads) Inspect(ctx context.Context, root block.Link) ([]SpaceInsertion, error) {
	return kv.Do(ctx, u.p, func(s kv.Store[Upload]) ([]SpaceInsertion, error) {
		return inspect(ctx, s, root.String(), func(v Upload) SpaceInsertion {
			return SpaceInsertion{Space: v.Space, InsertedAt: v.InsertedAt}
		})
	})
}
