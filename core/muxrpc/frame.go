// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Flag is a frame header flag bit.
type Flag byte

const (
	// FlagEndOfStream closes one side of a streaming exchange.
	FlagEndOfStream Flag = 1 << 0

	// FlagError marks the payload as an error report.
	FlagError Flag = 1 << 1

	// FlagStream marks a frame belonging to a streaming exchange.
	FlagStream Flag = 1 << 2

	// FlagJSON marks a structured (JSON) payload, as opposed to raw bytes.
	FlagJSON Flag = 1 << 3

	knownFlags = FlagEndOfStream | FlagError | FlagStream | FlagJSON

	// HeaderSize is the size of a frame header.
	HeaderSize = 9

	// MaxLength is the largest payload the length field can express.
	MaxLength = 1<<32 - 1
)

var (
	// ErrProtocol is returned for malformed headers, impossible flag
	// combinations and payloads of unusable size.
	ErrProtocol = errors.New("muxrpc: protocol error")

	// ErrNotJSON is returned when decoding a raw payload as JSON.
	ErrNotJSON = errors.New("muxrpc: payload is not JSON")
)

// header is the fixed size frame header.
type header struct {
	flags     Flag
	length    uint32
	requestID int32
}

func (h *header) marshal(b []byte) {
	b[0] = byte(h.flags)
	binary.BigEndian.PutUint32(b[1:5], h.length)
	binary.BigEndian.PutUint32(b[5:9], uint32(h.requestID))
}

func (h *header) unmarshal(b []byte) {
	h.flags = Flag(b[0])
	h.length = binary.BigEndian.Uint32(b[1:5])
	h.requestID = int32(binary.BigEndian.Uint32(b[5:9]))
}

// isGoodbye reports the terminator: a zero payload length.
func (h *header) isGoodbye() bool {
	return h.length == 0
}

func validateFlags(f Flag) error {
	if f&^knownFlags != 0 {
		return fmt.Errorf("%w: unknown flag bits 0x%02x", ErrProtocol, byte(f&^knownFlags))
	}
	if f&FlagEndOfStream != 0 && f&FlagStream == 0 {
		return fmt.Errorf("%w: end-of-stream outside a stream", ErrProtocol)
	}
	return nil
}

// Body is a frame payload: either structured JSON or raw bytes.
type Body struct {
	isJSON bool
	data   []byte
}

// JSON encodes v as a structured body.  Map keys are emitted sorted, so
// equal values always produce equal bytes.
func JSON(v interface{}) (Body, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Body{}, err
	}
	return Body{isJSON: true, data: b}, nil
}

// RawJSON wraps already encoded JSON.
func RawJSON(b json.RawMessage) Body {
	return Body{isJSON: true, data: b}
}

// Raw wraps opaque bytes.
func Raw(b []byte) Body {
	return Body{data: b}
}

// IsJSON reports whether the body is structured.
func (b Body) IsJSON() bool {
	return b.isJSON
}

// Bytes returns the encoded payload.
func (b Body) Bytes() []byte {
	return b.data
}

// Decode unmarshals a structured body into v.
func (b Body) Decode(v interface{}) error {
	if !b.isJSON {
		return ErrNotJSON
	}
	return json.Unmarshal(b.data, v)
}

// Frame is one decoded RPC frame.
type Frame struct {
	RequestID   int32
	IsStream    bool
	IsError     bool
	EndOfStream bool
	Body        Body

	alive bool
}

// goodbyeFrame is returned by Stream.Next once the peer has ended the
// connection.  Each call gets its own frame.
func goodbyeFrame() *Frame {
	return &Frame{}
}

// Alive is false only for the frame marking the peer's goodbye.
func (f *Frame) Alive() bool {
	return f.alive
}

// Decode unmarshals the frame body into v.
func (f *Frame) Decode(v interface{}) error {
	return f.Body.Decode(v)
}

func (f *Frame) flags() Flag {
	var fl Flag
	if f.EndOfStream {
		fl |= FlagEndOfStream
	}
	if f.IsError {
		fl |= FlagError
	}
	if f.IsStream {
		fl |= FlagStream
	}
	if f.Body.isJSON {
		fl |= FlagJSON
	}
	return fl
}

func frameFromHeader(h *header, payload []byte) *Frame {
	return &Frame{
		RequestID:   h.requestID,
		IsStream:    h.flags&FlagStream != 0,
		IsError:     h.flags&FlagError != 0,
		EndOfStream: h.flags&FlagEndOfStream != 0,
		Body:        Body{isJSON: h.flags&FlagJSON != 0, data: payload},
		alive:       true,
	}
}
