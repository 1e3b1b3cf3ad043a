// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire binds the secret handshake, box stream and RPC layers into a
// session over one network connection.
package wire

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/boxstream"
	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/core/shs"
)

const (
	stateInit        uint32 = 0
	stateEstablished uint32 = 1
	stateInvalid     uint32 = 2

	// DefaultHandshakeTimeout bounds the handshake when none is configured.
	DefaultHandshakeTimeout = 30 * time.Second
)

var errInvalidState = errors.New("wire/session: invalid state")

// SessionConfig is the configuration used to create new Sessions.
type SessionConfig struct {
	// Identity is the local long term identity.
	Identity *identity.LocalIdentity

	// Remote is the identity the initiator expects the responder to hold.
	// It is ignored by responders.
	Remote *identity.Identity

	// Authenticator, if set, vets initiators on the responder side.
	Authenticator shs.Authenticator

	// Mux serves the peer's requests.
	Mux *muxrpc.Mux

	// Log is the session's logger.
	Log *logging.Logger

	// HandshakeTimeout bounds the handshake.
	HandshakeTimeout time.Duration

	// IdleTimeout, if non-zero, fails reads and writes that make no progress
	// for this long once the session is established.
	IdleTimeout time.Duration

	// MaxPayloadLength bounds received RPC frames.
	MaxPayloadLength uint32

	// OnHandlerError receives local handler failures.
	OnHandlerError func(name string, err error)

	// RandomReader is the entropy source for the handshake.
	RandomReader io.Reader
}

// Session is an authenticated, encrypted RPC session with one peer.
type Session struct {
	cfg         SessionConfig
	isInitiator bool
	state       uint32

	conn     net.Conn
	peer     *identity.Identity
	stream   *boxstream.Stream
	endpoint *muxrpc.Endpoint
}

// NewSession creates a new Session.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	if cfg.Identity == nil {
		return nil, errors.New("wire/session: missing Identity")
	}
	if isInitiator && cfg.Remote == nil {
		return nil, errors.New("wire/session: missing Remote identity")
	}
	if cfg.Log == nil {
		return nil, errors.New("wire/session: missing Log")
	}
	s := &Session{
		cfg:         *cfg,
		isInitiator: isInitiator,
		state:       stateInit,
	}
	if s.cfg.RandomReader == nil {
		s.cfg.RandomReader = rand.Reader
	}
	if s.cfg.HandshakeTimeout == 0 {
		s.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return s, nil
}

func (s *Session) handshake() (*shs.Result, error) {
	opt := shs.WithRand(s.cfg.RandomReader)
	if s.isInitiator {
		return shs.Initiate(s.conn, s.cfg.Identity, s.cfg.Remote, opt)
	}
	return shs.Respond(s.conn, s.cfg.Identity, s.cfg.Authenticator, opt)
}

// Initialize runs the handshake over an established conn and starts serving
// RPC on it.  On failure the caller still owns conn.
func (s *Session) Initialize(conn net.Conn) error {
	if !atomic.CompareAndSwapUint32(&s.state, stateInit, stateInvalid) {
		return errInvalidState
	}
	s.conn = conn

	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	res, err := s.handshake()
	if err != nil {
		return err
	}
	defer res.Reset()
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	var rw io.ReadWriteCloser = conn
	if s.cfg.IdleTimeout > 0 {
		rw = NewDeadlineConn(conn, s.cfg.IdleTimeout)
	}
	s.peer = res.PeerIdentity
	s.stream = boxstream.FromHandshake(rw, res)
	s.endpoint = muxrpc.NewEndpoint(s.stream, &muxrpc.EndpointConfig{
		Mux:              s.cfg.Mux,
		Log:              s.cfg.Log,
		Peer:             s.peer,
		MaxPayloadLength: s.cfg.MaxPayloadLength,
		OnHandlerError:   s.cfg.OnHandlerError,
	})
	atomic.StoreUint32(&s.state, stateEstablished)
	return nil
}

// IsInitiator reports whether this side dialed the connection.
func (s *Session) IsInitiator() bool {
	return s.isInitiator
}

// PeerIdentity returns the authenticated identity of the peer.  It MUST only
// be called after a successful Initialize.
func (s *Session) PeerIdentity() (*identity.Identity, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil, errors.New("wire/session: PeerIdentity() call in invalid state")
	}
	return s.peer, nil
}

// Endpoint returns the session's RPC endpoint, nil before Initialize
// succeeds.
func (s *Session) Endpoint() *muxrpc.Endpoint {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil
	}
	return s.endpoint
}

// Close says goodbye and terminates the session.
func (s *Session) Close() {
	if atomic.SwapUint32(&s.state, stateInvalid) == stateEstablished {
		s.endpoint.Close()
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
