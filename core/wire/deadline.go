// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"net"
	"time"
)

// DeadlineConn pushes the read or write deadline of a net.Conn forward
// before every operation, so only an operation stalled for longer than the
// timeout fails.  The bytes on the wire are unchanged.
type DeadlineConn struct {
	net.Conn
	timeout time.Duration
}

// NewDeadlineConn wraps conn.
func NewDeadlineConn(conn net.Conn, timeout time.Duration) *DeadlineConn {
	return &DeadlineConn{Conn: conn, timeout: timeout}
}

func (c *DeadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *DeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
