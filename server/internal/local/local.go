// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package local implements the unauthenticated RPC listener used by local
// clients.  It only binds loopback addresses.
package local

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/core/worker"
	"github.com/fern-gossip/fern/server/internal/glue"
	"github.com/fern-gossip/fern/server/internal/instrument"
)

var localConnID uint64

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l     net.Listener
	conns map[uint64]*muxrpc.Endpoint

	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	l.l.Close()
	l.Worker.Halt()

	l.Lock()
	for _, ep := range l.conns {
		ep.Close()
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *listener) Address() string {
	return l.l.Addr().String()
}

// Peers returns nil, local connections are not authenticated.
func (l *listener) Peers() []*identity.Identity {
	return nil
}

func (l *listener) worker() {
	l.log.Noticef("Listening on: %v", l.l.Addr())
	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
			default:
				l.log.Errorf("accept failure: %v", err)
			}
			return
		}
		l.onNewConn(conn)
	}
}

func (l *listener) onNewConn(conn net.Conn) {
	id := atomic.AddUint64(&localConnID, 1)
	log := l.glue.LogBackend().GetLogger(fmt.Sprintf("local:%d", id))
	log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

	ep := muxrpc.NewEndpoint(conn, &muxrpc.EndpointConfig{
		Mux:              l.glue.LocalMux(),
		Log:              log,
		MaxPayloadLength: uint32(l.glue.Config().Debug.MaxPayloadLength),
		OnHandlerError: func(name string, err error) {
			instrument.HandlerError(name)
		},
	})
	instrument.Connection("local")

	l.closeAllWg.Add(1)
	l.Lock()
	l.conns[id] = ep
	l.Unlock()

	go func() {
		defer l.closeAllWg.Done()
		<-ep.Done()
		ep.Close()
		log.Debugf("Closed.")

		l.Lock()
		delete(l.conns, id)
		l.Unlock()
	}()
}

// New creates a new local listener on addr, which must be a loopback
// host:port.
func New(glue glue.Glue, addr string) (glue.Listener, error) {
	ap, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	if !ap.IP.IsLoopback() {
		return nil, fmt.Errorf("local: refusing to listen on non-loopback address '%v'", addr)
	}
	l := &listener{
		glue:  glue,
		log:   glue.LogBackend().GetLogger("local"),
		conns: make(map[uint64]*muxrpc.Endpoint),
	}
	if l.l, err = net.ListenTCP("tcp", ap); err != nil {
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
