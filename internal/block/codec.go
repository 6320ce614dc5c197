// Value codecs: structured CBOR records and opaque byte payloads.

package block

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// Codec encodes values to bytes deterministically and back.
//
// Encoding the same value twice must produce identical bytes so that the
// resulting links are stable.
type Codec interface {
	// Name is the multicodec name, e.g. "dag-cbor".
	Name() string
	// Code is the multicodec code used as the CID codec tag.
	Code() uint64
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CARCode is the multicodec code of a CAR file payload.
const CARCode uint64 = 0x0202

var (
	// CBOR encodes structured values as deterministic CBOR (dag-cbor).
	CBOR Codec = cborCodec{}
	// Raw stores byte payloads as is.
	Raw Codec = rawCodec{name: "raw", code: cid.Raw}
	// CAR stores CAR file payloads as is.
	CAR Codec = rawCodec{name: "car", code: CARCode}
)

// CodecByName returns a registered codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CBOR.Name():
		return CBOR, nil
	case Raw.Name():
		return Raw, nil
	case CAR.Name():
		return CAR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

//

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	// Integers decoded into any are int64, or big.Int past its range.
	dopts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrBigInt,
	}
	if decMode, err = dopts.DecMode(); err != nil {
		panic(err)
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "dag-cbor" }

func (cborCodec) Code() uint64 { return cid.DagCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type rawCodec struct {
	name string
	code uint64
}

func (c rawCodec) Name() string { return c.name }

func (c rawCodec) Code() uint64 { return c.code }

// Marshal copies the payload so later changes by the caller do not alter a
// staged block.
func (c rawCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return bytes.Clone(t), nil
	case *[]byte:
		return bytes.Clone(*t), nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("%s codec cannot encode %T", c.name, v)
	}
}

func (c rawCodec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *any:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	default:
		return fmt.Errorf("%s codec cannot decode into %T", c.name, v)
	}
	return nil
}
