// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package feed

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStringData is returned when a bare string is offered as structured
// data, since strings are reserved for encoded bytes.
var ErrStringData = errors.New("feed: structured data must not be a string")

// Data is an entry payload: opaque bytes or a structured value.  Bytes are
// carried as a base64 string; any other JSON value is structured.  This is
// the only place the two are told apart.
type Data struct {
	raw        []byte
	value      interface{}
	structured bool
}

// Bytes wraps opaque bytes.
func Bytes(b []byte) Data {
	return Data{raw: append([]byte{}, b...)}
}

// Structured wraps a JSON representable, non-string value.
func Structured(v interface{}) (Data, error) {
	nv, err := normalizeValue(v)
	if err != nil {
		return Data{}, err
	}
	if _, ok := nv.(string); ok {
		return Data{}, ErrStringData
	}
	return Data{value: nv, structured: true}, nil
}

// IsStructured reports whether d holds a structured value.
func (d Data) IsStructured() bool {
	return d.structured
}

// Raw returns the bytes of a byte payload.
func (d Data) Raw() ([]byte, bool) {
	if d.structured {
		return nil, false
	}
	return d.raw, true
}

// Value returns the structured value, in the form produced by ParseValue.
func (d Data) Value() (interface{}, bool) {
	if !d.structured {
		return nil, false
	}
	return d.value, true
}

// Decode unmarshals a structured payload into v.
func (d Data) Decode(v interface{}) error {
	if !d.structured {
		return errors.New("feed: data is not structured")
	}
	b, err := json.Marshal(d.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (d Data) encode() interface{} {
	if d.structured {
		return d.value
	}
	return base64.StdEncoding.EncodeToString(d.raw)
}

func decodeData(v interface{}) (Data, error) {
	if s, ok := v.(string); ok {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Data{}, fmt.Errorf("%w: data is not base64", ErrMalformedEntry)
		}
		return Data{raw: b}, nil
	}
	if err := checkValue(v); err != nil {
		return Data{}, err
	}
	return Data{value: v, structured: true}, nil
}

// MarshalJSON encodes d in its wire form.
func (d Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.encode())
}

// UnmarshalJSON decodes the wire form of d.
func (d *Data) UnmarshalJSON(b []byte) error {
	v, err := ParseValue(b)
	if err != nil {
		return err
	}
	nd, err := decodeData(v)
	if err != nil {
		return err
	}
	*d = nd
	return nil
}
