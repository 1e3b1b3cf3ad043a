// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"context"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/log"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/server/config"
	"github.com/fern-gossip/fern/server/store"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Identity() *identity.LocalIdentity
	Store() store.Store

	LocalMux() *muxrpc.Mux
	PeerMux() *muxrpc.Mux

	Connector() Connector
	Replicator() Replicator
}

// Connector maintains outgoing peer connections.
type Connector interface {
	Halt()

	// Connect dials addr, expecting peer, unless a connection to addr is
	// already in flight.
	Connect(addr string, peer *identity.Identity)
}

// Replicator pulls feeds from connected peers.
type Replicator interface {
	// Run replicates from the peer behind ep until ep ends or ctx is
	// done.
	Run(ctx context.Context, ep *muxrpc.Endpoint)

	// Round runs one replication round and returns the number of entries
	// stored.
	Round(ctx context.Context, ep *muxrpc.Endpoint) (int, error)
}

// Listener accepts connections.
type Listener interface {
	Halt()

	// Address is the URL the listener is bound to.
	Address() string

	// Peers returns the identities of the established connections.
	Peers() []*identity.Identity
}
