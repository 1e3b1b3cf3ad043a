// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the fern node.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/log"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/core/retry"
	"github.com/fern-gossip/fern/core/transport"
	"github.com/fern-gossip/fern/core/utils"
	"github.com/fern-gossip/fern/server/config"
	"github.com/fern-gossip/fern/server/internal/discovery"
	"github.com/fern-gossip/fern/server/internal/glue"
	"github.com/fern-gossip/fern/server/internal/handlers"
	"github.com/fern-gossip/fern/server/internal/incoming"
	"github.com/fern-gossip/fern/server/internal/instrument"
	"github.com/fern-gossip/fern/server/internal/local"
	"github.com/fern-gossip/fern/server/internal/outgoing"
	"github.com/fern-gossip/fern/server/internal/profiling"
	"github.com/fern-gossip/fern/server/internal/publisher"
	"github.com/fern-gossip/fern/server/internal/replicator"
	"github.com/fern-gossip/fern/server/store"
	"github.com/fern-gossip/fern/server/store/boltstore"
	"github.com/fern-gossip/fern/server/store/pgxstore"
	"github.com/fern-gossip/fern/server/store/sqlstore"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a fern node instance.
type Server struct {
	cfg *config.Config

	identity *identity.LocalIdentity

	logBackend *log.Backend
	log        *logging.Logger

	store      store.Store
	publisher  *publisher.Publisher
	handlers   *handlers.Handlers
	replicator *replicator.Replicator
	registry   *discovery.Registry

	listeners   []glue.Listener
	local       glue.Listener
	connector   glue.Connector
	discovery   *discovery.Discovery
	stopMetrics func()

	haltedCh chan interface{}
	haltOnce sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Identity() *identity.LocalIdentity {
	return g.s.identity
}

func (g *serverGlue) Store() store.Store {
	return g.s.store
}

func (g *serverGlue) LocalMux() *muxrpc.Mux {
	return g.s.handlers.LocalMux()
}

func (g *serverGlue) PeerMux() *muxrpc.Mux {
	return g.s.handlers.PeerMux()
}

func (g *serverGlue) Connector() glue.Connector {
	return g.s.connector
}

func (g *serverGlue) Replicator() glue.Replicator {
	return g.s.replicator
}

func (s *Server) initDataDir() error {
	if err := utils.EnsureDir(s.cfg.Node.DataDir, 0700); err != nil {
		return fmt.Errorf("server: %v", err)
	}
	return nil
}

func (s *Server) initLogging() error {
	var err error
	s.logBackend, err = log.New(s.cfg.Logging.File, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initStore() error {
	sCfg := s.cfg.Storage
	var err error
	switch sCfg.Backend {
	case config.BackendBolt:
		s.store, err = boltstore.New(sCfg.File)
	case config.BackendSQLite:
		s.store, err = sqlstore.New(sCfg.File)
	case config.BackendPgx:
		s.store, err = pgxstore.New(sCfg.DataSourceName, s.logBackend.GetLogger("pgx"), s.cfg.Logging.Level)
	default:
		err = fmt.Errorf("server: unsupported storage backend '%v'", sCfg.Backend)
	}
	return err
}

// advertisedAddress returns the first TCP listener address as an ip:port
// suitable for discovery announcements.
func (s *Server) advertisedAddress() (netip.AddrPort, error) {
	for _, l := range s.listeners {
		u, err := transport.ParseAddress(l.Address())
		if err != nil {
			continue
		}
		switch u.Scheme {
		case transport.SchemeTCP, transport.SchemeTCP4, transport.SchemeTCP6:
		default:
			continue
		}
		return netip.ParseAddrPort(u.Host)
	}
	return netip.AddrPort{}, errors.New("server: no TCP listener to advertise")
}

func (s *Server) initDiscovery(g glue.Glue) error {
	dCfg := s.cfg.Discovery
	advertise, err := s.advertisedAddress()
	if err != nil {
		return err
	}
	port := strconv.Itoa(dCfg.Port)
	s.discovery, err = discovery.New(&discovery.Config{
		Self:       s.identity.Identity(),
		Advertise:  advertise,
		ListenAddr: net.JoinHostPort("", port),
		Broadcast:  net.JoinHostPort(dCfg.BroadcastAddress, port),
		Interval:   time.Duration(dCfg.Interval) * time.Millisecond,
		Connector:  g.Connector(),
		Log:        s.logBackend.GetLogger("discovery"),
	})
	return err
}

// Identity returns the node's public identity.
func (s *Server) Identity() *identity.Identity {
	return s.identity.Identity()
}

// Publish appends a new entry to the node's own feed.
func (s *Server) Publish(typ string, data feed.Data) (*feed.Entry, error) {
	return s.publisher.Publish(typ, data)
}

// Store returns the node's feed store.
func (s *Server) Store() store.Store {
	return s.store
}

// Addresses returns the bound peer listener addresses.
func (s *Server) Addresses() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Address())
	}
	return addrs
}

// LocalAddress returns the bound local RPC address.
func (s *Server) LocalAddress() string {
	return s.local.Address()
}

// Peers returns the identities of the peers connected to the listeners.
func (s *Server) Peers() []*identity.Identity {
	var ids []*identity.Identity
	for _, l := range s.listeners {
		ids = append(ids, l.Peers()...)
	}
	return ids
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalf("failed to rotate log file: %v", err)
	}
	s.log.Info("Log rotated.")
}

func (s *Server) fatalf(format string, args ...interface{}) {
	s.log.Errorf(format, args...)
	go s.Shutdown()
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// The store is closed last, the connection workers write to it until
	// they are halted.
	s.log.Noticef("Starting graceful shutdown.")

	// Stop announcing and dialing discovered peers.
	if s.discovery != nil {
		s.discovery.Halt()
		s.discovery = nil
	}

	if s.local != nil {
		s.local.Halt()
	}

	// Stop the listener(s), close all incoming connections.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt() // Closes all connections.
			s.listeners[i] = nil
		}
	}

	// Close all outgoing connections.
	if s.connector != nil {
		s.connector.Halt()
		s.connector = nil
	}

	if s.stopMetrics != nil {
		s.stopMetrics()
		s.stopMetrics = nil
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Errorf("Failed to close the store: %v", err)
		}
		s.store = nil
	}
	s.identity.Reset()

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled, peer identities will be logged.")
	}
	s.log.Noticef("Node identifier is: '%v'", s.cfg.Node.Identifier)

	// Initialize the node identity.
	var (
		err       error
		generated bool
	)
	if s.identity, generated, err = identity.LoadOrGenerate(s.cfg.Node.SecretFile, rand.Reader); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	if generated {
		s.log.Noticef("Generated a new identity in '%v'.", s.cfg.Node.SecretFile)
	}
	s.log.Noticef("Node identity is: %s", s.identity.Identity())

	if s.cfg.Debug.GenerateOnly {
		s.identity.Reset()
		return nil, ErrGenerateOnly
	}

	if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Node.Identifier); err != nil {
		s.log.Warningf("Failed to start profiling: %v", err)
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	if err = s.initStore(); err != nil {
		s.log.Errorf("Failed to initialize the store: %v", err)
		return nil, err
	}

	if s.cfg.Node.MetricsAddress != "" {
		s.stopMetrics = instrument.StartPrometheusListener(s.cfg.Node.MetricsAddress, s.logBackend.GetLogger("metrics"))
	}

	// Wire up the RPC handlers and the replicator.
	s.publisher = publisher.New(s.identity, s.store, s.logBackend.GetLogger("publisher"))
	s.handlers = handlers.New(s.store, s.publisher, s.logBackend.GetLogger("handlers"), s.cfg.Debug.HistoryLimit)
	interval := time.Duration(s.cfg.Debug.ReplicationInterval) * time.Millisecond
	if s.replicator, err = replicator.New(s.identity, s.store, s.logBackend.GetLogger("replicator"), interval, s.cfg.Debug.HistoryLimit); err != nil {
		s.log.Errorf("Failed to initialize the replicator: %v", err)
		return nil, err
	}

	g := &serverGlue{s}

	// Initialize the outgoing connection manager.
	s.registry = discovery.NewRegistry()
	s.connector = outgoing.New(g, s.registry, retry.Default)

	// Bring the listener(s) online.
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Node.Addresses))
	for i, addr := range s.cfg.Node.Addresses {
		l, err := incoming.New(g, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}
	if s.local, err = local.New(g, s.cfg.Node.LocalAddress); err != nil {
		s.log.Errorf("Failed to spawn local listener on address: %v (%v).", s.cfg.Node.LocalAddress, err)
		return nil, err
	}

	if !s.cfg.Discovery.Disable {
		if err = s.initDiscovery(g); err != nil {
			s.log.Errorf("Failed to start discovery: %v", err)
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
