// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the fern node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/transport"
)

const (
	defaultAddress             = "tcp://0.0.0.0:8008"
	defaultLocalAddress        = "127.0.0.1:8009"
	defaultLogLevel            = "NOTICE"
	defaultSecretFile          = "secret"
	defaultBoltFile            = "feeds.db"
	defaultSQLiteFile          = "feeds.sqlite"
	defaultDiscoveryPort       = 8008
	defaultBroadcastAddress    = "255.255.255.255"
	defaultDiscoveryInterval   = 1000          // 1 sec.
	defaultConnectTimeout      = 30 * 1000     // 30 sec.
	defaultHandshakeTimeout    = 10 * 1000     // 10 sec.
	defaultIdleTimeout         = 5 * 60 * 1000 // 5 min.
	defaultReplicationInterval = 60 * 1000     // 60 sec.
	defaultHistoryLimit        = 1000
	defaultMaxPayloadLength    = 8 * 1024 * 1024

	// BackendBolt is a bbolt based store, the default.
	BackendBolt = "bolt"

	// BackendSQLite is a SQLite based store.
	BackendSQLite = "sqlite"

	// BackendPgx is a PostgreSQL based store.
	BackendPgx = "pgx"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the node configuration.
type Node struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// SecretFile is the path of the long term identity seed, relative to
	// DataDir unless absolute.
	SecretFile string

	// Addresses are the peer listener addresses (tcp:// or quic:// URLs).
	Addresses []string

	// LocalAddress is the host:port of the unencrypted local RPC listener.
	// It must be a loopback address.
	LocalAddress string

	// MetricsAddress is the address/port to bind the prometheus metrics endpoint to.
	MetricsAddress string
}

func (nCfg *Node) applyDefaults() {
	if len(nCfg.Addresses) == 0 {
		nCfg.Addresses = []string{defaultAddress}
	}
	if nCfg.LocalAddress == "" {
		nCfg.LocalAddress = defaultLocalAddress
	}
	if nCfg.SecretFile == "" {
		nCfg.SecretFile = defaultSecretFile
	}
	if !filepath.IsAbs(nCfg.SecretFile) {
		nCfg.SecretFile = filepath.Join(nCfg.DataDir, nCfg.SecretFile)
	}
}

func (nCfg *Node) validate() error {
	if nCfg.Identifier == "" {
		return errors.New("config: Node: Identifier is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	for _, v := range nCfg.Addresses {
		if _, err := transport.ParseAddress(v); err != nil {
			return fmt.Errorf("config: Node: Address '%v' is invalid: %v", v, err)
		}
	}
	if ap, err := netip.ParseAddrPort(nCfg.LocalAddress); err != nil {
		return fmt.Errorf("config: Node: LocalAddress '%v' is invalid: %v", nCfg.LocalAddress, err)
	} else if !ap.Addr().IsLoopback() {
		return fmt.Errorf("config: Node: LocalAddress '%v' is not a loopback address", nCfg.LocalAddress)
	}
	if nCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(nCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Node: MetricsAddress '%v' is invalid: %v", nCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Storage is the feed store configuration.
type Storage struct {
	// Backend is one of "bolt" (default), "sqlite" or "pgx".
	Backend string

	// File is the database file for the bolt and sqlite backends, relative
	// to DataDir unless absolute.
	File string

	// DataSourceName is the pgx connection string.
	DataSourceName string
}

func (sCfg *Storage) applyDefaults(dataDir string) {
	if sCfg.Backend == "" {
		sCfg.Backend = BackendBolt
	}
	sCfg.Backend = strings.ToLower(sCfg.Backend)
	if sCfg.File == "" {
		switch sCfg.Backend {
		case BackendBolt:
			sCfg.File = defaultBoltFile
		case BackendSQLite:
			sCfg.File = defaultSQLiteFile
		}
	}
	if sCfg.File != "" && !filepath.IsAbs(sCfg.File) {
		sCfg.File = filepath.Join(dataDir, sCfg.File)
	}
}

func (sCfg *Storage) validate() error {
	switch sCfg.Backend {
	case BackendBolt, BackendSQLite:
	case BackendPgx:
		if sCfg.DataSourceName == "" {
			return errors.New("config: Storage: DataSourceName is not set")
		}
	default:
		return fmt.Errorf("config: Storage: Backend '%v' is invalid", sCfg.Backend)
	}
	return nil
}

// Discovery is the local network peer discovery configuration.
type Discovery struct {
	// Disable turns off both announcing and listening.
	Disable bool

	// Port is the UDP port announcements are sent to and received on.
	Port int

	// BroadcastAddress is the destination IP of announcements.
	BroadcastAddress string

	// Interval is the announcement interval in milliseconds.
	Interval int
}

func (dCfg *Discovery) applyDefaults() {
	if dCfg.Port <= 0 {
		dCfg.Port = defaultDiscoveryPort
	}
	if dCfg.BroadcastAddress == "" {
		dCfg.BroadcastAddress = defaultBroadcastAddress
	}
	if dCfg.Interval <= 0 {
		dCfg.Interval = defaultDiscoveryInterval
	}
}

func (dCfg *Discovery) validate() error {
	if dCfg.Port > 65535 {
		return fmt.Errorf("config: Discovery: Port %d is invalid", dCfg.Port)
	}
	if net.ParseIP(dCfg.BroadcastAddress) == nil {
		return fmt.Errorf("config: Discovery: BroadcastAddress '%v' is invalid", dCfg.BroadcastAddress)
	}
	return nil
}

// Peer is a statically configured peer.
type Peer struct {
	// Identity is the peer's identity token ("@...").
	Identity string

	// Address is the peer's listener URL.
	Address string
}

func (pCfg *Peer) validate() error {
	if _, err := identity.FromToken(pCfg.Identity); err != nil {
		return fmt.Errorf("config: Peer: Identity '%v' is invalid: %v", pCfg.Identity, err)
	}
	if _, err := transport.ParseAddress(pCfg.Address); err != nil {
		return fmt.Errorf("config: Peer: Address '%v' is invalid: %v", pCfg.Address, err)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// ConnectTimeout specifies the maximum time a connection can take to
	// establish a TCP/IP connection in milliseconds.
	ConnectTimeout int

	// HandshakeTimeout specifies the maximum time a connection can take for a
	// secret handshake in milliseconds.
	HandshakeTimeout int

	// IdleTimeout is the per read/write deadline on established
	// connections in milliseconds.
	IdleTimeout int

	// ReplicationInterval is the interval between replication rounds with
	// each connected peer in milliseconds.
	ReplicationInterval int

	// HistoryLimit caps the entries requested per feed per round.
	HistoryLimit int

	// MaxPayloadLength is the largest accepted RPC frame payload in bytes.
	MaxPayloadLength int

	// GenerateOnly halts and cleans up the node right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.IdleTimeout <= 0 {
		dCfg.IdleTimeout = defaultIdleTimeout
	}
	if dCfg.ReplicationInterval <= 0 {
		dCfg.ReplicationInterval = defaultReplicationInterval
	}
	if dCfg.HistoryLimit <= 0 {
		dCfg.HistoryLimit = defaultHistoryLimit
	}
	if dCfg.MaxPayloadLength <= 0 {
		dCfg.MaxPayloadLength = defaultMaxPayloadLength
	}
}

// Config is the top level fern node configuration.
type Config struct {
	Node      *Node
	Logging   *Logging
	Storage   *Storage
	Discovery *Discovery
	Peers     []*Peer

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Discovery == nil {
		cfg.Discovery = &Discovery{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Node.applyDefaults()
	cfg.Storage.applyDefaults(cfg.Node.DataDir)
	cfg.Discovery.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	if err := cfg.Discovery.validate(); err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		if err := p.validate(); err != nil {
			return err
		}
	}

	var err error
	cfg.Node.Identifier, err = idna.Lookup.ToASCII(cfg.Node.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
