package block

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// linkTag is the CBOR tag dag-cbor reserves for CIDs.
const linkTag = 42

// cborNull is the CBOR encoding of null.
const cborNull = 0xf6

var errNotALink = errors.New("not a dag-cbor link")

// Link is a CID that encodes as a dag-cbor link (CBOR tag 42 over the binary
// CID prefixed with the 0x00 multibase identity byte).
//
// Use it in record fields that reference other blocks. An undefined Link
// encodes as null.
type Link struct {
	cid.Cid
}

// NewLink wraps a CID.
func NewLink(c cid.Cid) Link {
	return Link{Cid: c}
}

// MarshalCBOR implements cbor.Marshaler.
func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Defined() {
		return []byte{cborNull}, nil
	}
	content := make([]byte, 0, l.ByteLen()+1)
	content = append(content, 0)
	content = append(content, l.Bytes()...)
	return encMode.Marshal(cbor.Tag{Number: linkTag, Content: content})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Link) UnmarshalCBOR(data []byte) error {
	if len(data) == 1 && data[0] == cborNull {
		l.Cid = cid.Undef
		return nil
	}
	var tag cbor.RawTag
	if err := tag.UnmarshalCBOR(data); err != nil {
		return err
	}
	if tag.Number != linkTag {
		return fmt.Errorf("%w: unexpected tag %d", errNotALink, tag.Number)
	}
	var raw []byte
	if err := decMode.Unmarshal(tag.Content, &raw); err != nil {
		return fmt.Errorf("%w: %w", errNotALink, err)
	}
	if len(raw) < 2 || raw[0] != 0 {
		return fmt.Errorf("%w: missing identity multibase prefix", errNotALink)
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return fmt.Errorf("%w: %w", errNotALink, err)
	}
	l.Cid = c
	return nil
}
