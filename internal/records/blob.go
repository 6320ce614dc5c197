package records

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/kv"
)

// Blobs stores opaque CAR payloads keyed by the multibase base32 encoding of
// their multihash. Any link with the same digest addresses the same payload.
type Blobs struct {
	p *kv.Partition[[]byte]
}

// NewBlobs returns the blob store of db.
func NewBlobs(db *kv.DB) *Blobs {
	return &Blobs{p: kv.NewPartition[[]byte](db, "blob/", kv.WithCodec(block.CAR))}
}

// Put stores data and returns its CAR link.
func (b *Blobs) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	link, err := block.Identify(block.CARCode, data)
	if err != nil {
		return cid.Undef, err
	}
	key, err := blobKey(link)
	if err != nil {
		return cid.Undef, err
	}
	err = b.p.Transact(ctx, func(s kv.Store[[]byte]) error {
		return s.Put(ctx, key, data)
	})
	if err != nil {
		return cid.Undef, err
	}
	return link, nil
}

// Has reports whether the payload of link is stored.
func (b *Blobs) Has(ctx context.Context, link cid.Cid) (bool, error) {
	key, err := blobKey(link)
	if err != nil {
		return false, err
	}
	return kv.Do(ctx, b.p, func(s kv.Store[[]byte]) (bool, error) {
		return s.Has(ctx, key)
	})
}

// Get returns the payload of link.
func (b *Blobs) Get(ctx context.Context, link cid.Cid) ([]byte, error) {
	key, err := blobKey(link)
	if err != nil {
		return nil, err
	}
	return kv.Do(ctx, b.p, func(s kv.Store[[]byte]) ([]byte, error) {
		data, ok, err := s.Get(ctx, key)
		if err == nil && !ok {
			err = ErrRecordNotFound
		}
		return data, err
	})
}

func blobKey(link cid.Cid) (string, error) {
	if !link.Defined() {
		return "", errors.New("undefined link")
	}
	return multibase.Encode(multibase.Base32, link.Hash())
}
