// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package outgoing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/retry"
	"github.com/fern-gossip/fern/core/transport"
	"github.com/fern-gossip/fern/core/wire"
	"github.com/fern-gossip/fern/server/internal/instrument"
)

var outgoingConnID uint64

type outgoingConn struct {
	co  *connector
	log *logging.Logger

	addr string
	peer *identity.Identity
	id   uint64
}

func (c *outgoingConn) sessionConfig() *wire.SessionConfig {
	dCfg := c.co.glue.Config().Debug
	return &wire.SessionConfig{
		Identity:         c.co.glue.Identity(),
		Remote:           c.peer,
		Mux:              c.co.glue.PeerMux(),
		Log:              c.log,
		HandshakeTimeout: time.Duration(dCfg.HandshakeTimeout) * time.Millisecond,
		IdleTimeout:      time.Duration(dCfg.IdleTimeout) * time.Millisecond,
		MaxPayloadLength: uint32(dCfg.MaxPayloadLength),
		OnHandlerError: func(name string, err error) {
			instrument.HandlerError(name)
		},
		RandomReader: rand.Reader,
	}
}

// dial connects and handshakes once.
func (c *outgoingConn) dial(ctx context.Context) (*wire.Session, error) {
	timeout := time.Duration(c.co.glue.Config().Debug.ConnectTimeout) * time.Millisecond
	dialCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	conn, err := transport.Dial(dialCtx, c.addr)
	if err != nil {
		return nil, err
	}
	w, err := wire.NewSession(c.sessionConfig(), true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	err = w.Initialize(conn)
	instrument.Handshake(true, err)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func (c *outgoingConn) worker() {
	defer func() {
		c.log.Debugf("Halting connect worker.")
		c.co.onClosedConn(c)
	}()

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	go func() {
		select {
		case <-c.co.closeAllCh:
			cancelFn()
		case <-ctx.Done():
		}
	}()

	var w *wire.Session
	err := retry.Do(ctx, c.co.policy, func(attempt int) error {
		var err error
		if w, err = c.dial(ctx); err != nil {
			c.log.Debugf("Connect attempt %d failed: %v", attempt+1, err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Warningf("Failed to connect: %v", err)
		}
		return
	}
	defer w.Close()
	c.log.Debugf("Handshake completed.")
	instrument.Connection("outgoing")

	ep := w.Endpoint()
	replDoneCh := make(chan struct{})
	go func() {
		defer close(replDoneCh)
		c.co.glue.Replicator().Run(ctx, ep)
	}()

	select {
	case <-ep.Done():
		if err := ep.Err(); err != nil {
			c.log.Debugf("Connection ended: %v", err)
		}
	case <-ctx.Done():
	}
	cancelFn()
	<-replDoneCh
}

func newOutgoingConn(co *connector, addr string, peer *identity.Identity) *outgoingConn {
	c := &outgoingConn{
		co:   co,
		addr: addr,
		peer: peer,
		id:   atomic.AddUint64(&outgoingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = co.glue.LogBackend().GetLogger(fmt.Sprintf("outgoing:%d", c.id))

	c.log.Debugf("New outgoing connection: %v (%v)", addr, peer)

	return c
}
