// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/wire"
	"github.com/fern-gossip/fern/server/internal/instrument"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c  net.Conn
	e  *list.Element
	w  *wire.Session
	id uint64

	isInitialized bool // Set by listener.
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Allocate the session struct.
	dCfg := c.l.glue.Config().Debug
	cfg := &wire.SessionConfig{
		Identity:         c.l.glue.Identity(),
		Mux:              c.l.glue.PeerMux(),
		Log:              c.log,
		HandshakeTimeout: time.Duration(dCfg.HandshakeTimeout) * time.Millisecond,
		IdleTimeout:      time.Duration(dCfg.IdleTimeout) * time.Millisecond,
		MaxPayloadLength: uint32(dCfg.MaxPayloadLength),
		OnHandlerError: func(name string, err error) {
			instrument.HandlerError(name)
		},
		RandomReader: rand.Reader,
	}
	var err error
	c.l.Lock()
	c.w, err = wire.NewSession(cfg, false)
	c.l.Unlock()
	if err != nil {
		c.log.Errorf("Failed to allocate session: %v", err)
		return
	}
	defer c.w.Close()

	// Handshake and authenticate.
	err = c.w.Initialize(c.c)
	instrument.Handshake(false, err)
	if err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		return
	}
	peer, _ := c.w.PeerIdentity()
	c.log.Debugf("Handshake completed: %v", peer)
	c.l.onInitializedConn(c)
	instrument.Connection("incoming")

	ep := c.w.Endpoint()
	ctx, cancelFn := context.WithCancel(context.Background())
	replDoneCh := make(chan struct{})
	go func() {
		defer close(replDoneCh)
		c.l.glue.Replicator().Run(ctx, ep)
	}()

	select {
	case <-ep.Done():
		if err := ep.Err(); err != nil {
			c.log.Debugf("Connection ended: %v", err)
		}
	case <-c.l.closeAllCh:
	}
	cancelFn()
	<-replDoneCh
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	return c
}
