// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	assert := assert.New(t)

	u, err := ParseAddress("127.0.0.1:8008")
	require.NoError(t, err)
	assert.Equal(SchemeTCP, u.Scheme)

	u, err = ParseAddress("quic://[::1]:8008")
	require.NoError(t, err)
	assert.Equal(SchemeQUIC, u.Scheme)
	assert.Equal("[::1]:8008", u.Host)

	_, err = ParseAddress("udp://127.0.0.1:1")
	assert.Error(err)
	_, err = ParseAddress("tcp://nohost")
	assert.Error(err)
}

func echoOnce(t *testing.T, addr string) {
	require := require.New(t)

	l, err := Listen(addr)
	require.NoError(err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b := make([]byte, 5)
		if _, err := io.ReadFull(conn, b); err != nil {
			return
		}
		conn.Write(b)
		io.Copy(io.Discard, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ListenerAddress(addr, l))
	require.NoError(err)
	defer conn.Close()

	require.NoError(conn.SetDeadline(time.Now().Add(5 * time.Second)))
	_, err = conn.Write([]byte("hello"))
	require.NoError(err)
	b := make([]byte, 5)
	_, err = io.ReadFull(conn, b)
	require.NoError(err)
	require.Equal("hello", string(b))
}

func TestTCP(t *testing.T) {
	echoOnce(t, "tcp://127.0.0.1:0")
}

func TestQUIC(t *testing.T) {
	echoOnce(t, "quic://127.0.0.1:0")
}

func TestNewQuicConnNil(t *testing.T) {
	assert.Panics(t, func() { NewQuicConn(nil, &quic.Stream{}) })
	assert.Panics(t, func() { NewQuicConn(&quic.Conn{}, nil) })
}

var _ net.Conn = (*QuicConn)(nil)
var _ net.Listener = (*QuicListener)(nil)
