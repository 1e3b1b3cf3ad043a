// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package shs implements the secret handshake: a four message mutually
// authenticated key exchange binding two long term identities to a fresh
// session key.
//
// Wire format, all messages fixed size:
//
//	msg1  I -> R  a                                         32 bytes
//	msg2  R -> I  b                                         32 bytes
//	msg3  I -> R  box[H(ab|aB)](sig_A(b|H(ab)) | A)        112 bytes
//	msg4  R -> I  box[H(ab|aB|Ab)](sig_B(sig_A|A|H(ab)))    80 bytes
//
// Both boxes use the all zero nonce; their keys are never reused.
package shs

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fern-gossip/fern/core/crypto/identity"
)

const (
	// KeySize is the size of the derived session key.
	KeySize = 32

	// NonceSize is the size of each directional nonce.
	NonceSize = 24

	ephemeralSize = x25519.PublicKeySize
	msg3PlainSize = identity.SignatureSize + identity.PublicKeySize
	msg3Size      = msg3PlainSize + secretbox.Overhead
	msg4Size      = identity.SignatureSize + secretbox.Overhead
)

var zeroNonce [NonceSize]byte

// Authenticator decides whether an authenticated initiator may connect.
type Authenticator interface {
	IsPeerValid(peer *identity.Identity) bool
}

// Result is the outcome of a successful handshake.
type Result struct {
	PeerIdentity *identity.Identity
	SessionKey   [KeySize]byte
	SendNonce    [NonceSize]byte
	RecvNonce    [NonceSize]byte
}

// Reset scrubs the session key.
func (r *Result) Reset() {
	for i := range r.SessionKey {
		r.SessionKey[i] = 0
	}
}

// Option configures a handshake.
type Option func(*state)

// WithRand sets the entropy source for the ephemeral key.
func WithRand(r io.Reader) Option {
	return func(s *state) {
		s.rng = r
	}
}

type state struct {
	isInitiator bool
	local       *identity.LocalIdentity
	rng         io.Reader

	// sign produces the long term proof signatures.
	sign func([]byte) []byte

	ephPriv   *x25519.PrivateKey
	ephPub    [ephemeralSize]byte
	peerEph   [ephemeralSize]byte
	ab        []byte
	aB        []byte
	Ab        []byte
	abHash    [sha256.Size]byte
	boxKey    [KeySize]byte
	finalKey  [KeySize]byte
	peerIdent *identity.Identity
}

func newState(local *identity.LocalIdentity, isInitiator bool, opts []Option) *state {
	s := &state{
		isInitiator: isInitiator,
		local:       local,
		rng:         rand.Reader,
		sign:        local.SignBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *state) fail(st HandshakeState, msg string, err error) error {
	return &HandshakeError{
		State:           st,
		Message:         msg,
		UnderlyingError: err,
		IsInitiator:     s.isInitiator,
	}
}

func (s *state) reset() {
	if s.ephPriv != nil {
		s.ephPriv.Reset()
	}
	for _, b := range [][]byte{s.ab, s.aB, s.Ab, s.boxKey[:], s.finalKey[:]} {
		for i := range b {
			b[i] = 0
		}
	}
}

func (s *state) genEphemeral() error {
	priv, err := x25519.NewKeypair(s.rng)
	if err != nil {
		return s.fail(HandshakeStateInit, "failed to generate ephemeral key", err)
	}
	s.ephPriv = priv
	copy(s.ephPub[:], priv.Public().Bytes())
	return nil
}

func dh(scalar, point []byte) ([]byte, error) {
	return curve25519.X25519(scalar, point)
}

// deriveBoxKey computes ab, the peer long term DH and the message 3 key.
func (s *state) deriveBoxKey(remote *identity.Identity) error {
	var err error
	if s.ab, err = dh(s.ephPriv.Bytes(), s.peerEph[:]); err != nil {
		return err
	}
	s.abHash = sha256.Sum256(s.ab)

	if s.isInitiator {
		remoteCurve := remote.ToCurve25519()
		s.aB, err = dh(s.ephPriv.Bytes(), remoteCurve[:])
	} else {
		localCurve := s.local.ToCurve25519()
		s.aB, err = dh(localCurve[:], s.peerEph[:])
		for i := range localCurve {
			localCurve[i] = 0
		}
	}
	if err != nil {
		return err
	}
	s.boxKey = sha256.Sum256(concat(s.ab, s.aB))
	return nil
}

// deriveFinalKey computes Ab and the session key.
func (s *state) deriveFinalKey(initiator *identity.Identity) error {
	var err error
	if s.isInitiator {
		localCurve := s.local.ToCurve25519()
		s.Ab, err = dh(localCurve[:], s.peerEph[:])
		for i := range localCurve {
			localCurve[i] = 0
		}
	} else {
		initiatorCurve := initiator.ToCurve25519()
		s.Ab, err = dh(s.ephPriv.Bytes(), initiatorCurve[:])
	}
	if err != nil {
		return err
	}
	s.finalKey = sha256.Sum256(concat(s.ab, s.aB, s.Ab))
	return nil
}

// signSelfChecked signs msg and refuses to send a proof that does not
// verify against our own identity.
func (s *state) signSelfChecked(msg []byte) ([]byte, bool) {
	sig := s.sign(msg)
	return sig, s.local.Identity().VerifyBytes(msg, sig)
}

func (s *state) result() *Result {
	r := &Result{
		PeerIdentity: s.peerIdent,
		SessionKey:   s.finalKey,
	}
	// The send nonce is seeded from the peer's ephemeral key and the receive
	// nonce from our own, so the two directions never share a nonce.
	copy(r.SendNonce[:], s.peerEph[:NonceSize])
	copy(r.RecvNonce[:], s.ephPub[:NonceSize])
	return r
}

// Initiate runs the initiator side of the handshake over conn, expecting the
// responder to hold the key of remote.
func Initiate(conn io.ReadWriter, local *identity.LocalIdentity, remote *identity.Identity, opts ...Option) (*Result, error) {
	s := newState(local, true, opts)
	defer s.reset()
	s.peerIdent = remote

	// Message 1
	if err := s.genEphemeral(); err != nil {
		return nil, err
	}
	if _, err := conn.Write(s.ephPub[:]); err != nil {
		return nil, s.fail(HandshakeStateMsg1Send, "failed to send ephemeral key", err)
	}

	// Message 2
	if _, err := io.ReadFull(conn, s.peerEph[:]); err != nil {
		return nil, s.fail(HandshakeStateMsg2Receive, "failed to read ephemeral key", err)
	}
	if err := s.deriveBoxKey(remote); err != nil {
		return nil, s.fail(HandshakeStateMsg2Receive, "key agreement failed", err)
	}

	// Message 3
	sigA, ok := s.signSelfChecked(concat(s.peerEph[:], s.abHash[:]))
	if !ok {
		return nil, s.fail(HandshakeStateMsg3Send, "local proof does not verify", nil)
	}
	msg3 := secretbox.Seal(nil, concat(sigA, local.Identity().Bytes()), &zeroNonce, &s.boxKey)
	if err := s.deriveFinalKey(nil); err != nil {
		return nil, s.fail(HandshakeStateMsg3Send, "key agreement failed", err)
	}
	if _, err := conn.Write(msg3); err != nil {
		return nil, s.fail(HandshakeStateMsg3Send, "failed to send proof", err)
	}

	// Message 4
	msg4 := make([]byte, msg4Size)
	if _, err := io.ReadFull(conn, msg4); err != nil {
		return nil, s.fail(HandshakeStateMsg4Receive, "failed to read proof", err)
	}
	sigB, ok := secretbox.Open(nil, msg4, &zeroNonce, &s.finalKey)
	if !ok {
		return nil, s.fail(HandshakeStateMsg4Receive, "failed to open proof", nil)
	}
	if !remote.VerifyBytes(concat(sigA, local.Identity().Bytes(), s.abHash[:]), sigB) {
		return nil, s.fail(HandshakeStateMsg4Receive, "invalid responder signature", nil)
	}

	return s.result(), nil
}

// Respond runs the responder side of the handshake over conn.  The
// initiator's identity is learned from message 3 and, if auth is not nil,
// must be accepted by it.
func Respond(conn io.ReadWriter, local *identity.LocalIdentity, auth Authenticator, opts ...Option) (*Result, error) {
	s := newState(local, false, opts)
	defer s.reset()

	// Message 1
	if _, err := io.ReadFull(conn, s.peerEph[:]); err != nil {
		return nil, s.fail(HandshakeStateMsg1Receive, "failed to read ephemeral key", err)
	}

	// Message 2
	if err := s.genEphemeral(); err != nil {
		return nil, err
	}
	if err := s.deriveBoxKey(nil); err != nil {
		return nil, s.fail(HandshakeStateMsg1Receive, "key agreement failed", err)
	}
	if _, err := conn.Write(s.ephPub[:]); err != nil {
		return nil, s.fail(HandshakeStateMsg2Send, "failed to send ephemeral key", err)
	}

	// Message 3
	msg3 := make([]byte, msg3Size)
	if _, err := io.ReadFull(conn, msg3); err != nil {
		return nil, s.fail(HandshakeStateMsg3Receive, "failed to read proof", err)
	}
	plain, ok := secretbox.Open(nil, msg3, &zeroNonce, &s.boxKey)
	if !ok {
		return nil, s.fail(HandshakeStateMsg3Receive, "failed to open proof", nil)
	}
	sigA := plain[:identity.SignatureSize]
	initiator, err := identity.FromBytes(plain[identity.SignatureSize:])
	if err != nil {
		return nil, s.fail(HandshakeStateMsg3Receive, "invalid initiator identity", err)
	}
	if !initiator.VerifyBytes(concat(s.ephPub[:], s.abHash[:]), sigA) {
		return nil, s.fail(HandshakeStateMsg3Receive, "invalid initiator signature", nil)
	}
	if auth != nil && !auth.IsPeerValid(initiator) {
		return nil, s.fail(HandshakeStateAuthentication, "peer rejected by authenticator", nil)
	}
	s.peerIdent = initiator

	// Message 4
	if err := s.deriveFinalKey(initiator); err != nil {
		return nil, s.fail(HandshakeStateMsg4Send, "key agreement failed", err)
	}
	sigB, ok := s.signSelfChecked(concat(sigA, initiator.Bytes(), s.abHash[:]))
	if !ok {
		return nil, s.fail(HandshakeStateMsg4Send, "local proof does not verify", nil)
	}
	msg4 := secretbox.Seal(nil, sigB, &zeroNonce, &s.finalKey)
	if _, err := conn.Write(msg4); err != nil {
		return nil, s.fail(HandshakeStateMsg4Send, "failed to send proof", err)
	}

	return s.result(), nil
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}
