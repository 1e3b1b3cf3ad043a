// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrNonCanonical is returned for values with no canonical encoding, such as
// floating point numbers or invalid UTF-8.
var ErrNonCanonical = errors.New("feed: value has no canonical encoding")

const indentUnit = "  "

// Canonical returns the canonical encoding of v: keys sorted at every level,
// two space indentation, ": " after keys, one item per line, ASCII only
// output with \uXXXX escapes, integers in plain decimal.
//
// v is built from nil, bool, string, integers, json.Number holding an
// integer, map[string]interface{} and []interface{}.
func Canonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseValue decodes JSON into the value tree understood by Canonical.
func ParseValue(b []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("feed: trailing data after JSON value")
	}
	if err := checkValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeValue maps an arbitrary Go value onto the canonical value tree by
// way of its JSON encoding.
func normalizeValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ParseValue(b)
}

func checkValue(v interface{}) error {
	switch vv := v.(type) {
	case map[string]interface{}:
		for _, e := range vv {
			if err := checkValue(e); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, e := range vv {
			if err := checkValue(e); err != nil {
				return err
			}
		}
	case json.Number:
		_, err := integerString(vv)
		return err
	}
	return nil
}

func integerString(n json.Number) (string, error) {
	s := string(n)
	if strings.ContainsAny(s, ".eE") {
		return "", fmt.Errorf("%w: non-integer number %s", ErrNonCanonical, s)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", fmt.Errorf("%w: invalid number %s", ErrNonCanonical, s)
	}
	return i.String(), nil
}

func writeIndent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteString(indentUnit)
	}
}

func encodeValue(buf *bytes.Buffer, v interface{}, depth int) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, vv)
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case uint64:
		fmt.Fprintf(buf, "%d", vv)
	case json.Number:
		s, err := integerString(vv)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case map[string]interface{}:
		if len(vv) == 0 {
			buf.WriteString("{}")
			return nil
		}
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteString("{\n")
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",\n")
			}
			writeIndent(buf, depth+1)
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteString(": ")
			if err := encodeValue(buf, vv[k], depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('\n')
		writeIndent(buf, depth)
		buf.WriteByte('}')
	case []interface{}:
		if len(vv) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteString("[\n")
		for i, e := range vv {
			if i > 0 {
				buf.WriteString(",\n")
			}
			writeIndent(buf, depth+1)
			if err := encodeValue(buf, e, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('\n')
		writeIndent(buf, depth)
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNonCanonical, v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func writeU16(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

func encodeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid UTF-8 string", ErrNonCanonical)
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r > 0xffff:
				r -= 0x10000
				writeU16(buf, 0xd800+(r>>10))
				writeU16(buf, 0xdc00+(r&0x3ff))
			default:
				writeU16(buf, r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}
