// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boxstream turns a raw reliable byte channel into an encrypted,
// tamper evident stream of secretbox frames.
//
// Each frame is an encrypted 2 byte big endian body length followed by the
// encrypted body, each sealed under its own nonce:
//
//	secretbox(len, n) | secretbox(body, n+1)
//
// after which the sender's nonce is n+2.  The receiver mirrors the same
// sequence starting from its receive nonce.
package boxstream

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fern-gossip/fern/core/shs"
)

const (
	// MaxSegmentSize is the largest plaintext body carried by one frame.
	MaxSegmentSize = 4096

	// HeaderSize is the size of an encrypted frame header.
	HeaderSize = 2 + secretbox.Overhead

	// NonceSize is the size of a stream nonce.
	NonceSize = 24

	// KeySize is the size of a stream key.
	KeySize = 32
)

const (
	stateEstablished = iota
	stateInvalid
)

var (
	// ErrStreamCorruption is returned when a frame fails authentication or
	// carries an impossible length.  The stream is unusable afterwards.
	ErrStreamCorruption = errors.New("boxstream: stream corruption")

	// ErrInvalidState is returned by any call on a stream that has failed
	// or has been closed.
	ErrInvalidState = errors.New("boxstream: stream is no longer usable")
)

// IncrementNonce adds one to the 192 bit big endian integer in n, wrapping
// from 2^192-1 to zero.
func IncrementNonce(n *[NonceSize]byte) {
	for i := NonceSize - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Stream is an encrypted stream.  One reader and one writer may use it
// concurrently.
type Stream struct {
	conn  io.ReadWriteCloser
	key   [KeySize]byte
	state uint32

	txMutex   sync.Mutex
	sendNonce [NonceSize]byte

	rxMutex   sync.Mutex
	recvNonce [NonceSize]byte
	buf       []byte
	hdr       [HeaderSize]byte
}

// New wraps conn with the given key and starting nonces.
func New(conn io.ReadWriteCloser, key [KeySize]byte, sendNonce, recvNonce [NonceSize]byte) *Stream {
	return &Stream{
		conn:      conn,
		key:       key,
		sendNonce: sendNonce,
		recvNonce: recvNonce,
	}
}

// FromHandshake wraps conn with the outcome of a secret handshake.
func FromHandshake(conn io.ReadWriteCloser, res *shs.Result) *Stream {
	return New(conn, res.SessionKey, res.SendNonce, res.RecvNonce)
}

func (s *Stream) invalidate() {
	atomic.StoreUint32(&s.state, stateInvalid)
}

func (s *Stream) valid() bool {
	return atomic.LoadUint32(&s.state) == stateEstablished
}

// Write encrypts p as one or more frames.  A failed write leaves the stream
// unusable, since the peer's nonce can no longer be predicted.
func (s *Stream) Write(p []byte) (int, error) {
	s.txMutex.Lock()
	defer s.txMutex.Unlock()

	if !s.valid() {
		return 0, ErrInvalidState
	}

	var hdr [2]byte
	n := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxSegmentSize {
			chunk = chunk[:MaxSegmentSize]
		}
		binary.BigEndian.PutUint16(hdr[:], uint16(len(chunk)))

		frame := make([]byte, 0, HeaderSize+len(chunk)+secretbox.Overhead)
		frame = secretbox.Seal(frame, hdr[:], &s.sendNonce, &s.key)
		IncrementNonce(&s.sendNonce)
		frame = secretbox.Seal(frame, chunk, &s.sendNonce, &s.key)
		IncrementNonce(&s.sendNonce)

		if _, err := s.conn.Write(frame); err != nil {
			s.invalidate()
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// Read returns decrypted bytes, pulling a new frame only once the previous
// one has been fully consumed.
func (s *Stream) Read(p []byte) (int, error) {
	s.rxMutex.Lock()
	defer s.rxMutex.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if len(s.buf) == 0 {
		if !s.valid() {
			return 0, ErrInvalidState
		}
		if err := s.readFrame(); err != nil {
			s.invalidate()
			return 0, err
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *Stream) readFrame() error {
	if _, err := io.ReadFull(s.conn, s.hdr[:]); err != nil {
		return err
	}
	hdr, ok := secretbox.Open(nil, s.hdr[:], &s.recvNonce, &s.key)
	if !ok {
		return ErrStreamCorruption
	}
	IncrementNonce(&s.recvNonce)

	length := int(binary.BigEndian.Uint16(hdr))
	if length == 0 || length > MaxSegmentSize {
		return ErrStreamCorruption
	}

	ct := make([]byte, length+secretbox.Overhead)
	if _, err := io.ReadFull(s.conn, ct); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	body, ok := secretbox.Open(nil, ct, &s.recvNonce, &s.key)
	if !ok {
		return ErrStreamCorruption
	}
	IncrementNonce(&s.recvNonce)

	s.buf = body
	return nil
}

// SendNonce returns the nonce the next header will be sealed with.
func (s *Stream) SendNonce() [NonceSize]byte {
	s.txMutex.Lock()
	defer s.txMutex.Unlock()
	return s.sendNonce
}

// RecvNonce returns the nonce the next header is expected under.
func (s *Stream) RecvNonce() [NonceSize]byte {
	s.rxMutex.Lock()
	defer s.rxMutex.Unlock()
	return s.recvNonce
}

// Close closes the underlying channel.  Pending reads fail.
func (s *Stream) Close() error {
	s.invalidate()
	return s.conn.Close()
}
