package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/maruel/pailstore/internal/block"
)

// toJSON rewrites a decoded CBOR value so links print the way dag-json
// writes them: {"/": "<cid>"}.
func toJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = toJSON(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = toJSON(x)
		}
		return out
	case big.Int:
		return &t
	case cbor.Tag:
		if raw, ok := t.Content.([]byte); ok && t.Number == 42 && len(raw) > 1 && raw[0] == 0 {
			if c, err := cid.Cast(raw[1:]); err == nil {
				return map[string]string{"/": c.String()}
			}
		}
		return t
	default:
		return v
	}
}

// fromJSON parses a JSON document, keeping integers integral and turning
// {"/": "<cid>"} objects into links.
func fromJSON(data []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	if d.More() {
		return nil, errors.New("invalid JSON value: trailing data")
	}
	return fromJSONValue(v)
}

func fromJSONValue(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case map[string]any:
		if s, ok := t["/"].(string); ok && len(t) == 1 {
			c, err := cid.Decode(s)
			if err != nil {
				return nil, fmt.Errorf("invalid link %q: %w", s, err)
			}
			return block.NewLink(c), nil
		}
		for k, x := range t {
			y, err := fromJSONValue(x)
			if err != nil {
				return nil, err
			}
			t[k] = y
		}
		return t, nil
	case []any:
		for i, x := range t {
			y, err := fromJSONValue(x)
			if err != nil {
				return nil, err
			}
			t[i] = y
		}
		return t, nil
	default:
		return v, nil
	}
}
