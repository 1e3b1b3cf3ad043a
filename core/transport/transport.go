// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport opens raw connections for the addresses nodes listen
// on: tcp://host:port (also tcp4, tcp6) and quic://host:port.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	SchemeTCP  = "tcp"
	SchemeTCP4 = "tcp4"
	SchemeTCP6 = "tcp6"
	SchemeQUIC = "quic"
)

// ParseAddress validates an address URL.  A bare host:port is taken to be
// TCP.
func ParseAddress(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = SchemeTCP + "://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address '%v': %w", addr, err)
	}
	switch u.Scheme {
	case SchemeTCP, SchemeTCP4, SchemeTCP6, SchemeQUIC:
	default:
		return nil, fmt.Errorf("transport: unsupported scheme '%v'", u.Scheme)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return nil, fmt.Errorf("transport: invalid address '%v': %w", addr, err)
	}
	return u, nil
}

// Listen listens on addr.
func Listen(addr string) (net.Listener, error) {
	u, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme == SchemeQUIC {
		return listenQUIC(u.Host)
	}
	return net.Listen(u.Scheme, u.Host)
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	u, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme == SchemeQUIC {
		return dialQUIC(ctx, u.Host)
	}
	var d net.Dialer
	return d.DialContext(ctx, u.Scheme, u.Host)
}

// ListenerAddress returns the URL a Listener created by Listen is reachable
// at, with the scheme of addr and the actual bound port.
func ListenerAddress(addr string, l net.Listener) string {
	u, err := ParseAddress(addr)
	if err != nil {
		return l.Addr().String()
	}
	return u.Scheme + "://" + l.Addr().String()
}
