// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package outgoing implements the outgoing connection support.
package outgoing

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/retry"
	"github.com/fern-gossip/fern/core/worker"
	"github.com/fern-gossip/fern/server/internal/discovery"
	"github.com/fern-gossip/fern/server/internal/glue"
)

const (
	initialSpawnDelay = 100 * time.Millisecond
	resweepInterval   = 30 * time.Second
)

type connector struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	registry *discovery.Registry
	policy   retry.Policy
	halted   bool

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (co *connector) Halt() {
	co.Worker.Halt()

	// Close all outgoing connections.
	co.Lock()
	co.halted = true
	co.Unlock()
	close(co.closeAllCh)
	co.closeAllWg.Wait()
}

// Connect dials addr unless a connection to it is already in flight.
func (co *connector) Connect(addr string, peer *identity.Identity) {
	if peer.Equal(co.glue.Identity().Identity()) {
		return
	}
	if !co.registry.TryAcquire(addr) {
		return
	}

	co.Lock()
	defer co.Unlock()
	if co.halted {
		co.registry.Release(addr)
		return
	}
	c := newOutgoingConn(co, addr, peer)
	co.closeAllWg.Add(1)
	go c.worker()
}

func (co *connector) worker() {
	timer := time.NewTimer(initialSpawnDelay)
	defer timer.Stop()

	for {
		select {
		case <-co.HaltCh():
			co.log.Debugf("Terminating gracefully.")
			return
		case <-timer.C:
		}

		// (Re)connect to the static peers, the registry filters out the
		// ones that are still connected.
		co.spawnNewConns()

		timer.Reset(resweepInterval)
	}

	// NOTREACHED
}

func (co *connector) spawnNewConns() {
	for _, p := range co.glue.Config().Peers {
		id, err := identity.FromToken(p.Identity)
		if err != nil {
			// Validated by the config.
			co.log.Errorf("Invalid peer identity '%v': %v", p.Identity, err)
			continue
		}
		co.Connect(p.Address, id)
	}
}

func (co *connector) onClosedConn(c *outgoingConn) {
	co.registry.Release(c.addr)
	co.closeAllWg.Done()
}

// New creates a new connector.  Addresses are deduplicated through registry.
func New(glue glue.Glue, registry *discovery.Registry, policy retry.Policy) glue.Connector {
	co := &connector{
		glue:       glue,
		log:        glue.LogBackend().GetLogger("connector"),
		registry:   registry,
		policy:     policy,
		closeAllCh: make(chan interface{}),
	}

	co.Go(co.worker)
	return co
}
