// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/server/internal/publisher"
	"github.com/fern-gossip/fern/server/store"
	"github.com/fern-gossip/fern/server/store/boltstore"
	"github.com/fern-gossip/fern/server/store/storetest"
)

type fixture struct {
	id     *identity.LocalIdentity
	store  store.Store
	h      *Handlers
	client *muxrpc.Endpoint
}

func newFixture(t *testing.T, peer bool) *fixture {
	require := require.New(t)

	id, err := identity.Generate(nil)
	require.NoError(err)
	s, err := boltstore.New(filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(err)
	log := logging.MustGetLogger("handlers_test")
	h := New(s, publisher.New(id, s, log), log, 3)

	mux := h.LocalMux()
	if peer {
		mux = h.PeerMux()
	}
	a, b := net.Pipe()
	server := muxrpc.NewEndpoint(a, &muxrpc.EndpointConfig{Mux: mux, Log: log})
	client := muxrpc.NewEndpoint(b, &muxrpc.EndpointConfig{Log: log})
	t.Cleanup(func() {
		client.Close()
		server.Close()
		s.Close()
	})
	return &fixture{id: id, store: s, h: h, client: client}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestPostAndAdd(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false)

	var res IDResponse
	require.NoError(f.client.Call(ctx(t), "feed.post", map[string]string{"data": "hello"}, &res))
	e, err := f.store.Get(res.ID)
	require.NoError(err)
	require.Equal(store.TypePost, e.Type)
	raw, ok := e.Data.Raw()
	require.True(ok)
	require.Equal("hello", string(raw))

	require.NoError(f.client.Call(ctx(t), "feed.add", map[string]interface{}{
		"type": "about",
		"data": map[string]interface{}{"name": "alice", "tags": []int{1, 2}},
	}, &res))
	e, err = f.store.Get(res.ID)
	require.NoError(err)
	require.Equal("about", e.Type)
	require.Equal(uint64(2), e.Seq)
	var about struct {
		Name string `json:"name"`
		Tags []int  `json:"tags"`
	}
	require.NoError(e.Data.Decode(&about))
	require.Equal("alice", about.Name)
	require.Equal([]int{1, 2}, about.Tags)

	require.NoError(f.client.Call(ctx(t), "feed.add", map[string]interface{}{"type": "note", "data": "text"}, &res))
	e, err = f.store.Get(res.ID)
	require.NoError(err)
	require.False(e.Data.IsStructured())
}

func TestInvalidArguments(t *testing.T) {
	f := newFixture(t, false)

	for name, args := range map[string]interface{}{
		"feed.post":   map[string]interface{}{"data": 5},
		"feed.follow": map[string]string{"id": "@nope"},
		"feed.add":    map[string]interface{}{"type": "x", "data": 1.5},
	} {
		err := f.client.Call(ctx(t), name, args, nil)
		var herr *muxrpc.HandlerError
		require.True(t, errors.As(err, &herr), name)
	}

	// The connection survives handler failures.
	require.NoError(t, f.client.Call(ctx(t), "feed.post", map[string]string{"data": "ok"}, nil))
}

func TestFollows(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false)

	bob, err := identity.Generate(nil)
	require.NoError(err)
	carol, err := identity.Generate(nil)
	require.NoError(err)

	for _, op := range []struct{ name, id string }{
		{"feed.follow", bob.Identity().Token()},
		{"feed.follow", carol.Identity().Token()},
		{"feed.unfollow", bob.Identity().Token()},
	} {
		require.NoError(f.client.Call(ctx(t), op.name, TargetArgs{ID: op.id}, nil))
	}

	var follows []string
	require.NoError(f.client.Call(ctx(t), "sync.follows", nil, &follows))
	require.Equal([]string{carol.Identity().Token()}, follows)

	require.NoError(f.client.Call(ctx(t), "sync.follows", TargetArgs{ID: bob.Identity().Token()}, &follows))
	require.Empty(follows)
}

func TestDigestAndHistory(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false)

	bob, err := identity.Generate(nil)
	require.NoError(err)
	chain := storetest.Chain(t, bob, feed.Tip{}, 5)
	require.NoError(f.store.Append(chain...))

	var digest map[string]string
	require.NoError(f.client.Call(ctx(t), "feed.digest", nil, &digest))
	require.Equal(map[string]string{bob.Identity().Token(): chain[4].ID}, digest)

	src, err := f.client.Source(ctx(t), "feed.history", HistoryArgs{ID: bob.Identity().Token(), Seq: 1})
	require.NoError(err)
	var got []*feed.Entry
	for {
		var e feed.Entry
		err := src.Next(&e)
		if err == io.EOF {
			break
		}
		require.NoError(err)
		require.True(e.Verify(bob.Identity()))
		got = append(got, &e)
	}
	// Capped by the history limit.
	require.Len(got, 3)
	require.Equal(chain[1].ID, got[0].ID)
	require.Equal(chain[3].ID, got[2].ID)

	var plain []*feed.Entry
	require.NoError(f.client.Call(ctx(t), "feed.history", HistoryArgs{ID: bob.Identity().Token(), Seq: 4}, &plain))
	require.Len(plain, 1)
	require.Equal(chain[4].ID, plain[0].ID)
}

func TestPeerMux(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true)

	err := f.client.Call(ctx(t), "feed.post", map[string]string{"data": "nope"}, nil)
	var herr *muxrpc.HandlerError
	require.True(errors.As(err, &herr))
	require.Contains(herr.Message, "no handler for 'feed.post'")

	chain := storetest.Chain(t, f.id, feed.Tip{}, 2)
	require.NoError(f.store.Append(chain...))

	var tips map[string]uint64
	require.NoError(f.client.Call(ctx(t), "gossip.tips", nil, &tips))
	require.Equal(map[string]uint64{f.id.Identity().Token(): 2}, tips)

	require.Equal([]string{
		"feed.digest", "feed.history", "gossip.history", "gossip.tips", "sync.follows",
	}, f.h.PeerMux().Names())
}
