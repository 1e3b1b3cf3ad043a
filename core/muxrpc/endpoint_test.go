// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fern-gossip/fern/core/boxstream"
)

type countArgs struct {
	N int `json:"n"`
}

type handlerFault struct {
	sync.Mutex
	names []string
}

func (h *handlerFault) record(name string, err error) {
	h.Lock()
	defer h.Unlock()
	h.names = append(h.names, name)
}

func (h *handlerFault) get() []string {
	h.Lock()
	defer h.Unlock()
	return append([]string{}, h.names...)
}

func testMux() *Mux {
	m := NewMux()
	m.RegisterGroup("test", map[string]HandlerFunc{
		"echo": func(ctx context.Context, req *Request, _ Sink) (interface{}, error) {
			var v map[string]interface{}
			if err := req.Bind(&v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"fail": func(context.Context, *Request, Sink) (interface{}, error) {
			return nil, errors.New("it broke")
		},
		"raw": func(context.Context, *Request, Sink) (interface{}, error) {
			return []byte{1, 2, 3}, nil
		},
		"count": func(ctx context.Context, req *Request, sink Sink) (interface{}, error) {
			var args countArgs
			if err := req.Bind(&args); err != nil {
				return nil, err
			}
			for i := 1; i <= args.N; i++ {
				if err := sink.Send(i); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
		"countfail": func(ctx context.Context, req *Request, sink Sink) (interface{}, error) {
			sink.Send(1)
			return nil, errors.New("stream broke")
		},
	})
	return m
}

func endpointPair(t *testing.T, faults *handlerFault, wrap func(a, b net.Conn) (io.ReadWriteCloser, io.ReadWriteCloser)) (*Endpoint, *Endpoint) {
	c1, c2 := net.Pipe()
	var a, b io.ReadWriteCloser = c1, c2
	if wrap != nil {
		a, b = wrap(c1, c2)
	}
	client := NewEndpoint(a, &EndpointConfig{})
	server := NewEndpoint(b, &EndpointConfig{
		Mux:            testMux(),
		OnHandlerError: faults.record,
	})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func exerciseEndpoint(t *testing.T, client *Endpoint, faults *handlerFault) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var echoed map[string]interface{}
	require.NoError(client.Call(ctx, "test.echo", map[string]string{"content": "hello"}, &echoed))
	assert.Equal(map[string]interface{}{"content": "hello"}, echoed)

	err := client.Call(ctx, "test.missing", nil, nil)
	var hErr *HandlerError
	require.ErrorAs(err, &hErr)
	assert.Equal("no handler for 'test.missing'", hErr.Message)

	err = client.Call(ctx, "test.fail", nil, nil)
	require.ErrorAs(err, &hErr)
	assert.Equal("it broke", hErr.Message)
	assert.Equal([]string{"test.fail"}, faults.get())

	// The connection survives handler failures.
	require.NoError(client.Call(ctx, "test.echo", map[string]int{"n": 1}, &echoed))

	var raw []byte
	assert.ErrorIs(client.Call(ctx, "test.raw", nil, &raw), ErrNotJSON)

	src, err := client.Source(ctx, "test.count", &countArgs{N: 3})
	require.NoError(err)
	var got []int
	for {
		var n int
		err := src.Next(&n)
		if err == io.EOF {
			break
		}
		require.NoError(err)
		got = append(got, n)
	}
	assert.Equal([]int{1, 2, 3}, got)

	src, err = client.Source(ctx, "test.countfail", nil)
	require.NoError(err)
	var n int
	require.NoError(src.Next(&n))
	assert.Equal(1, n)
	require.ErrorAs(src.Next(&n), &hErr)
	assert.Equal("stream broke", hErr.Message)
}

func TestEndpointRaw(t *testing.T) {
	faults := new(handlerFault)
	client, _ := endpointPair(t, faults, nil)
	exerciseEndpoint(t, client, faults)
}

func TestEndpointOverBoxStream(t *testing.T) {
	faults := new(handlerFault)
	var key [boxstream.KeySize]byte
	var n1, n2 [boxstream.NonceSize]byte
	rand.Read(key[:])
	rand.Read(n1[:])
	rand.Read(n2[:])

	client, _ := endpointPair(t, faults, func(a, b net.Conn) (io.ReadWriteCloser, io.ReadWriteCloser) {
		return boxstream.New(a, key, n1, n2), boxstream.New(b, key, n2, n1)
	})
	exerciseEndpoint(t, client, faults)
}

func TestEndpointGoodbye(t *testing.T) {
	require := require.New(t)

	client, server := endpointPair(t, new(handlerFault), nil)
	require.NoError(client.Close())

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe goodbye")
	}
	require.NoError(server.Err())
	require.NoError(client.Err())

	require.ErrorIs(client.Call(context.Background(), "test.echo", nil, nil), ErrClosed)
}

func TestEndpointConnectionLoss(t *testing.T) {
	require := require.New(t)

	c1, c2 := net.Pipe()
	client := NewEndpoint(c1, &EndpointConfig{})
	defer client.Close()

	c2.Close()
	<-client.Done()
	require.Error(client.Err())
}

func TestEndpointCallContext(t *testing.T) {
	c1, c2 := net.Pipe()
	client := NewEndpoint(c1, &EndpointConfig{})
	defer client.Close()

	// The peer reads the request and never answers.
	go io.Copy(io.Discard, c2)
	defer c2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, client.Call(ctx, "test.echo", nil, nil), context.DeadlineExceeded)
}

func TestMuxDuplicate(t *testing.T) {
	m := NewMux()
	m.Handle("a.b", nil)
	require.Panics(t, func() { m.RegisterGroup("a", map[string]HandlerFunc{"b": nil}) })
	require.Equal(t, []string{"a.b"}, m.Names())
}
