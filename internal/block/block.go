// Package block defines content-addressed blocks and the codecs that produce
// them.
//
// A [Block] is an immutable byte sequence named by a CIDv1: the codec tag of
// the encoding plus the sha2-256 multihash of the bytes. Two blocks with
// equal bytes and codec always have equal links.
package block

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Block is an encoded value and its content identifier.
type Block struct {
	Link  cid.Cid
	Bytes []byte
}

// Encode encodes v with the codec and computes its link.
func Encode(c Codec, v any) (Block, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return Block{}, fmt.Errorf("failed to encode %s block: %w", c.Name(), err)
	}
	link, err := Identify(c.Code(), data)
	if err != nil {
		return Block{}, err
	}
	return Block{Link: link, Bytes: data}, nil
}

// Decode decodes the block bytes into a new T.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s block: %w", c.Name(), err)
	}
	return v, nil
}

// Identify returns the CIDv1 of data encoded with the given codec code.
func Identify(code uint64, data []byte) (cid.Cid, error) {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash block: %w", err)
	}
	return cid.NewCidV1(code, h), nil
}

// Verify checks that the block bytes hash to its link.
func Verify(b Block) error {
	got, err := b.Link.Prefix().Sum(b.Bytes)
	if err != nil {
		return fmt.Errorf("failed to hash block %s: %w", b.Link, err)
	}
	if !got.Equals(b.Link) {
		return fmt.Errorf("%w: %s hashes to %s", ErrHashMismatch, b.Link, got)
	}
	return nil
}

// ErrHashMismatch is returned by [Verify] when the bytes do not match the link.
var ErrHashMismatch = errors.New("block hash mismatch")
