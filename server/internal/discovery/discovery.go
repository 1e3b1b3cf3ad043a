// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package discovery finds peers on the local network.
//
// Every node periodically broadcasts the datagram
//
//	<ip>:<port>:fern:<identity token>
//
// and dials the nodes it hears from.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/transport"
	"github.com/fern-gossip/fern/core/worker"
	"github.com/fern-gossip/fern/server/internal/instrument"
)

const (
	recordTag     = "fern"
	maxRecordSize = 512
)

// ErrMalformedRecord is returned for datagrams that are not announcements.
var ErrMalformedRecord = errors.New("discovery: malformed record")

// Announcement is a parsed discovery record.
type Announcement struct {
	Addr     netip.AddrPort
	Identity *identity.Identity
}

// String returns the wire form.
func (a *Announcement) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", a.Addr.Addr().String(), a.Addr.Port(), recordTag, a.Identity.Token())
}

// Address returns the URL to dial.
func (a *Announcement) Address() string {
	return transport.SchemeTCP + "://" + a.Addr.String()
}

// ParseAnnouncement parses the wire form.  The ip may be IPv6, without
// brackets.
func ParseAnnouncement(b []byte) (*Announcement, error) {
	s := string(b)
	sep := ":" + recordTag + ":"
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return nil, ErrMalformedRecord
	}
	hostPort, token := s[:i], s[i+len(sep):]
	j := strings.LastIndex(hostPort, ":")
	if j < 0 {
		return nil, ErrMalformedRecord
	}
	ip, err := netip.ParseAddr(hostPort[:j])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	port, err := strconv.ParseUint(hostPort[j+1:], 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("%w: invalid port", ErrMalformedRecord)
	}
	id, err := identity.FromToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &Announcement{Addr: netip.AddrPortFrom(ip.Unmap(), uint16(port)), Identity: id}, nil
}

// Connector is told about discovered peers.
type Connector interface {
	Connect(addr string, peer *identity.Identity)
}

// Config configures a Discovery.
type Config struct {
	// Self is the local identity.  Its own announcements are ignored.
	Self *identity.Identity

	// Advertise is the TCP address announced.  An unspecified ip is
	// replaced by the receiver with the datagram's source.
	Advertise netip.AddrPort

	// ListenAddr is the UDP address to receive on.
	ListenAddr string

	// Broadcast is the UDP destination of announcements.
	Broadcast string

	Interval  time.Duration
	Connector Connector
	Log       *logging.Logger
}

// Discovery announces the node and dials announced peers.
type Discovery struct {
	worker.Worker

	cfg       Config
	log       *logging.Logger
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	record    []byte
}

// New binds the discovery socket and starts announcing and listening.
func New(cfg *Config) (*Discovery, error) {
	if cfg.Self == nil || cfg.Connector == nil || cfg.Log == nil {
		return nil, errors.New("discovery: incomplete config")
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	baddr, err := net.ResolveUDPAddr("udp", cfg.Broadcast)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	d := &Discovery{
		cfg:       *cfg,
		log:       cfg.Log,
		conn:      conn,
		broadcast: baddr,
	}
	a := &Announcement{Addr: cfg.Advertise, Identity: cfg.Self}
	d.record = []byte(a.String())

	d.Go(d.announceWorker)
	d.Go(d.listenWorker)
	return d, nil
}

// LocalAddr returns the bound UDP address.
func (d *Discovery) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Halt stops the workers.
func (d *Discovery) Halt() {
	d.conn.Close()
	d.Worker.Halt()
}

func (d *Discovery) announceWorker() {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := d.conn.WriteToUDP(d.record, d.broadcast); err != nil {
			d.log.Debugf("Failed to announce: %v", err)
		}
		select {
		case <-d.HaltCh():
			return
		case <-t.C:
		}
	}
}

func (d *Discovery) listenWorker() {
	buf := make([]byte, maxRecordSize)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.HaltCh():
			default:
				d.log.Errorf("Discovery socket failed: %v", err)
			}
			return
		}
		d.onRecord(buf[:n], from)
	}
}

func (d *Discovery) onRecord(b []byte, from *net.UDPAddr) {
	a, err := ParseAnnouncement(b)
	if err != nil {
		d.log.Debugf("Ignoring datagram from %v: %v", from, err)
		return
	}
	if a.Identity.Equal(d.cfg.Self) {
		return
	}
	if a.Addr.Addr().IsUnspecified() && from != nil {
		src := from.AddrPort().Addr().Unmap()
		a.Addr = netip.AddrPortFrom(src, a.Addr.Port())
	}
	instrument.DiscoveredPeer()
	d.cfg.Connector.Connect(a.Address(), a.Identity)
}
