// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultMaxPayloadLength bounds received payloads unless configured.
const DefaultMaxPayloadLength = 8 << 20

// ErrClosed is returned when sending after the local side said goodbye.
var ErrClosed = errors.New("muxrpc: stream closed")

// StreamState is the goodbye state of a Stream.
type StreamState uint32

const (
	StateOpen StreamState = iota
	StateClosing
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", uint32(s))
	}
}

// Stream frames RPC messages over an ordered reliable byte stream, usually
// a boxstream.Stream.  Send and Goodbye may be called concurrently with
// each other; Next must only be called from one goroutine.
type Stream struct {
	rw         io.ReadWriter
	maxPayload uint32

	wMu     sync.Mutex
	sentBye uint32
	recvBye uint32

	hdr [HeaderSize]byte
}

// NewStream frames messages over rw.  A maxPayload of zero selects
// DefaultMaxPayloadLength.
func NewStream(rw io.ReadWriter, maxPayload uint32) *Stream {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadLength
	}
	return &Stream{rw: rw, maxPayload: maxPayload}
}

// State returns the goodbye state of the stream.
func (s *Stream) State() StreamState {
	sent, recv := atomic.LoadUint32(&s.sentBye) == 1, atomic.LoadUint32(&s.recvBye) == 1
	switch {
	case sent && recv:
		return StateClosed
	case sent || recv:
		return StateClosing
	default:
		return StateOpen
	}
}

// SentGoodbye reports whether the local side has said goodbye.
func (s *Stream) SentGoodbye() bool {
	return atomic.LoadUint32(&s.sentBye) == 1
}

// Send writes one frame.
func (s *Stream) Send(f *Frame) error {
	payload := f.Body.data
	switch {
	case len(payload) == 0:
		// A zero length is the goodbye terminator.
		return fmt.Errorf("%w: empty payload", ErrProtocol)
	case uint64(len(payload)) > MaxLength:
		return fmt.Errorf("%w: payload of %d bytes is too large", ErrProtocol, len(payload))
	}
	flags := f.flags()
	if err := validateFlags(flags); err != nil {
		return err
	}

	h := header{flags: flags, length: uint32(len(payload)), requestID: f.RequestID}
	buf := make([]byte, HeaderSize+len(payload))
	h.marshal(buf)
	copy(buf[HeaderSize:], payload)

	s.wMu.Lock()
	defer s.wMu.Unlock()
	if atomic.LoadUint32(&s.sentBye) == 1 {
		return ErrClosed
	}
	_, err := s.rw.Write(buf)
	return err
}

// SendJSON sends v as a structured frame.
func (s *Stream) SendJSON(requestID int32, v interface{}, flags Flag) error {
	body, err := JSON(v)
	if err != nil {
		return err
	}
	return s.Send(newFrame(requestID, body, flags))
}

// SendRaw sends b as an opaque frame.
func (s *Stream) SendRaw(requestID int32, b []byte, flags Flag) error {
	return s.Send(newFrame(requestID, Raw(b), flags))
}

func newFrame(requestID int32, body Body, flags Flag) *Frame {
	return &Frame{
		RequestID:   requestID,
		IsStream:    flags&FlagStream != 0,
		IsError:     flags&FlagError != 0,
		EndOfStream: flags&FlagEndOfStream != 0,
		Body:        body,
	}
}

// Goodbye sends the terminator.  No frame may be sent afterwards.
func (s *Stream) Goodbye() error {
	s.wMu.Lock()
	defer s.wMu.Unlock()
	if !atomic.CompareAndSwapUint32(&s.sentBye, 0, 1) {
		return ErrClosed
	}
	var buf [HeaderSize]byte
	_, err := s.rw.Write(buf[:])
	return err
}

// Next reads one frame.  Once the peer's terminator arrives it returns
// a frame that is not Alive without reading further.
func (s *Stream) Next() (*Frame, error) {
	if atomic.LoadUint32(&s.recvBye) == 1 {
		return goodbyeFrame(), nil
	}
	if _, err := io.ReadFull(s.rw, s.hdr[:]); err != nil {
		return nil, err
	}
	var h header
	h.unmarshal(s.hdr[:])
	if h.isGoodbye() {
		atomic.StoreUint32(&s.recvBye, 1)
		return goodbyeFrame(), nil
	}
	if err := validateFlags(h.flags); err != nil {
		return nil, err
	}
	if h.length > s.maxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrProtocol, h.length, s.maxPayload)
	}

	payload := make([]byte, h.length)
	if _, err := io.ReadFull(s.rw, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if h.flags&FlagJSON != 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid JSON payload", ErrProtocol)
	}
	return frameFromHeader(&h, payload), nil
}
