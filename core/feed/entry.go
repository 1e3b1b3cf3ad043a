// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package feed implements signed, hash chained log entries.
//
// An entry's message is the canonical encoding of
//
//	{author, data, prev, seq, sig, timestamp, type}
//
// The signature covers the message without "sig"; the entry id is "%"
// followed by the base64 SHA-256 of the full message.
package feed

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fern-gossip/fern/core/crypto/identity"
)

const (
	// IDPrefix starts every entry id.
	IDPrefix = "%"

	// IDLength is the length of an entry id.
	IDLength = 45

	fieldPrev      = "prev"
	fieldSeq       = "seq"
	fieldAuthor    = "author"
	fieldTimestamp = "timestamp"
	fieldType      = "type"
	fieldData      = "data"
	fieldSig       = "sig"
)

var messageFields = []string{fieldPrev, fieldSeq, fieldAuthor, fieldTimestamp, fieldType, fieldData, fieldSig}

// ErrMalformedEntry is returned when a message cannot be parsed as an entry.
var ErrMalformedEntry = errors.New("feed: malformed entry")

// Entry is one immutable record of an author's feed.
type Entry struct {
	ID        string
	Prev      string
	Seq       uint64
	Author    *identity.Identity
	Timestamp int64
	Type      string
	Data      Data
	Sig       string
}

func (e *Entry) fields(withSig bool) map[string]interface{} {
	m := map[string]interface{}{
		fieldPrev:      nil,
		fieldSeq:       e.Seq,
		fieldAuthor:    e.Author.Token(),
		fieldTimestamp: e.Timestamp,
		fieldType:      e.Type,
		fieldData:      e.Data.encode(),
	}
	if e.Prev != "" {
		m[fieldPrev] = e.Prev
	}
	if withSig {
		m[fieldSig] = e.Sig
	}
	return m
}

// signedPayload is the canonical encoding of every field but the signature.
func (e *Entry) signedPayload() ([]byte, error) {
	return Canonical(e.fields(false))
}

// Message returns the canonical encoding of the entry including its
// signature.  This is the wire and storage form.
func (e *Entry) Message() ([]byte, error) {
	return Canonical(e.fields(true))
}

func computeID(msg []byte) string {
	h := sha256.Sum256(msg)
	return IDPrefix + base64.StdEncoding.EncodeToString(h[:])
}

func checkLink(prev string, seq uint64) error {
	switch {
	case seq == 0:
		return &ChainViolationError{Seq: seq, Reason: "sequence numbers start at 1"}
	case seq == 1 && prev != "":
		return &ChainViolationError{Seq: seq, Reason: "first entry has a previous id"}
	case seq > 1 && prev == "":
		return &ChainViolationError{Seq: seq, Reason: "missing previous id"}
	case prev != "" && !ValidID(prev):
		return &ChainViolationError{Seq: seq, Reason: "malformed previous id"}
	}
	return nil
}

// ValidID reports whether s has the shape of an entry id.
func ValidID(s string) bool {
	if len(s) != IDLength || !strings.HasPrefix(s, IDPrefix) {
		return false
	}
	b, err := base64.StdEncoding.DecodeString(s[len(IDPrefix):])
	return err == nil && len(b) == sha256.Size
}

// Build signs a new entry.  prev must be empty exactly when seq is 1.
func Build(author *identity.LocalIdentity, prev string, seq uint64, timestamp int64, typ string, data Data) (*Entry, error) {
	if err := checkLink(prev, seq); err != nil {
		return nil, err
	}
	e := &Entry{
		Prev:      prev,
		Seq:       seq,
		Author:    author.Identity(),
		Timestamp: timestamp,
		Type:      typ,
		Data:      data,
	}
	payload, err := e.signedPayload()
	if err != nil {
		return nil, err
	}
	e.Sig = author.Sign(payload)

	msg, err := e.Message()
	if err != nil {
		return nil, err
	}
	e.ID = computeID(msg)
	return e, nil
}

// Verify checks the entry's signature against its author and, when expected
// is not nil, requires the author to be expected.  It also requires the id
// to match the content.
func (e *Entry) Verify(expected *identity.Identity) bool {
	if e.Author == nil {
		return false
	}
	if expected != nil && !expected.Equal(e.Author) {
		return false
	}
	payload, err := e.signedPayload()
	if err != nil {
		return false
	}
	if ok, err := e.Author.Verify(payload, e.Sig); err != nil || !ok {
		return false
	}
	msg, err := e.Message()
	if err != nil {
		return false
	}
	return computeID(msg) == e.ID
}

// FromMessage parses the canonical (or any equivalent JSON) form of an
// entry.  The id is derived from the content.
func FromMessage(b []byte) (*Entry, error) {
	v, err := ParseValue(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != len(messageFields) {
		return nil, fmt.Errorf("%w: unexpected fields", ErrMalformedEntry)
	}
	for _, f := range messageFields {
		if _, ok := m[f]; !ok {
			return nil, fmt.Errorf("%w: missing field '%s'", ErrMalformedEntry, f)
		}
	}

	e := new(Entry)
	switch prev := m[fieldPrev].(type) {
	case nil:
	case string:
		e.Prev = prev
	default:
		return nil, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, fieldPrev)
	}
	if e.Seq, err = uintField(m, fieldSeq); err != nil {
		return nil, err
	}
	ts, err := intField(m, fieldTimestamp)
	if err != nil {
		return nil, err
	}
	e.Timestamp = ts

	author, ok := m[fieldAuthor].(string)
	if !ok {
		return nil, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, fieldAuthor)
	}
	if e.Author, err = identity.FromToken(author); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if e.Type, ok = m[fieldType].(string); !ok {
		return nil, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, fieldType)
	}
	if e.Sig, ok = m[fieldSig].(string); !ok {
		return nil, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, fieldSig)
	}
	if e.Data, err = decodeData(m[fieldData]); err != nil {
		return nil, err
	}
	if err = checkLink(e.Prev, e.Seq); err != nil {
		return nil, err
	}

	msg, err := e.Message()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	e.ID = computeID(msg)
	return e, nil
}

func intField(m map[string]interface{}, name string) (int64, error) {
	n, ok := m[name].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, name)
	}
	i, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, name)
	}
	return i, nil
}

func uintField(m map[string]interface{}, name string) (uint64, error) {
	n, ok := m[name].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, name)
	}
	i, err := strconv.ParseUint(string(n), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad '%s'", ErrMalformedEntry, name)
	}
	return i, nil
}

// MarshalJSON encodes the entry as its message.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return e.Message()
}

// UnmarshalJSON decodes a message.
func (e *Entry) UnmarshalJSON(b []byte) error {
	parsed, err := FromMessage(b)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// String returns a short description of the entry for logging.
func (e *Entry) String() string {
	return fmt.Sprintf("%s (%s #%d)", e.ID, e.Author, e.Seq)
}
