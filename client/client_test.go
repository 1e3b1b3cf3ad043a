// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/server"
	"github.com/fern-gossip/fern/server/config"
)

func startNode(t *testing.T) *server.Server {
	cfg := &config.Config{
		Node: &config.Node{
			Identifier:   "client-test.example",
			DataDir:      filepath.Join(t.TempDir(), "node"),
			Addresses:    []string{"tcp://127.0.0.1:0"},
			LocalAddress: "127.0.0.1:0",
		},
		Logging:   &config.Logging{Disable: true, Level: "DEBUG"},
		Discovery: &config.Discovery{Disable: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	s, err := server.New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func dialLocal(t *testing.T, s *server.Server) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.LocalAddress(), logging.MustGetLogger("client_test"))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestLocalClient(t *testing.T) {
	require := require.New(t)
	s := startNode(t)
	c := dialLocal(t, s)
	ctx := context.Background()

	bob, err := identity.Generate(nil)
	require.NoError(err)

	postID, err := c.Post(ctx, "hello world")
	require.NoError(err)
	require.True(feed.ValidID(postID))

	_, err = c.Follow(ctx, bob.Identity())
	require.NoError(err)
	follows, err := c.Follows(ctx, nil)
	require.NoError(err)
	require.Len(follows, 1)
	require.True(bob.Identity().Equal(follows[0]))

	addID, err := c.Add(ctx, "note", map[string]interface{}{"text": "structured", "n": 3})
	require.NoError(err)

	_, err = c.Unfollow(ctx, bob.Identity())
	require.NoError(err)
	follows, err = c.Follows(ctx, s.Identity())
	require.NoError(err)
	require.Empty(follows)

	digest, err := c.Digest(ctx)
	require.NoError(err)
	require.Len(digest, 1)
	tip, err := s.Store().Tip(s.Identity())
	require.NoError(err)
	require.Equal(tip.ID, digest[s.Identity().Token()])
	require.EqualValues(4, tip.Seq)

	entries, err := c.History(ctx, s.Identity(), 0, 0)
	require.NoError(err)
	require.Len(entries, 4)
	require.Equal(postID, entries[0].ID)
	require.Equal("post", entries[0].Type)
	raw, ok := entries[0].Data.Raw()
	require.True(ok)
	require.Equal("hello world", string(raw))
	require.Equal(addID, entries[2].ID)
	require.Equal("note", entries[2].Type)
	require.True(entries[2].Data.IsStructured())
	for _, e := range entries {
		require.True(e.Verify(s.Identity()))
	}

	var streamed []*feed.Entry
	err = c.HistoryStream(ctx, s.Identity(), 1, 2, func(e *feed.Entry) error {
		streamed = append(streamed, e)
		return nil
	})
	require.NoError(err)
	require.Len(streamed, 2)
	require.EqualValues(2, streamed[0].Seq)
	require.EqualValues(3, streamed[1].Seq)

	unknown, err := c.History(ctx, bob.Identity(), 0, 0)
	require.NoError(err)
	require.Empty(unknown)
}

func TestLocalClientErrors(t *testing.T) {
	require := require.New(t)
	c := dialLocal(t, startNode(t))
	ctx := context.Background()

	_, err := c.Add(ctx, "", "text")
	require.Error(err)

	// Floats have no canonical encoding.
	_, err = c.Add(ctx, "note", map[string]interface{}{"pi": 3.14})
	var herr *muxrpc.HandlerError
	require.ErrorAs(err, &herr)
	require.Equal("feed.add", herr.Name)

	// Peer only.
	_, err = c.Tips(ctx)
	require.ErrorAs(err, &herr)

	// The connection survives handler errors.
	_, err = c.Post(ctx, "still here")
	require.NoError(err)
}

func TestPeerClient(t *testing.T) {
	require := require.New(t)
	s := startNode(t)
	local := dialLocal(t, s)
	_, err := local.Post(context.Background(), "for peers")
	require.NoError(err)

	me, err := identity.Generate(nil)
	require.NoError(err)
	log := logging.MustGetLogger("client_test")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := DialPeer(ctx, s.Addresses()[0], me, s.Identity(), log)
	require.NoError(err)
	defer c.Close()

	tips, err := c.Tips(ctx)
	require.NoError(err)
	require.EqualValues(1, tips[s.Identity().Token()])

	entries, err := c.History(ctx, s.Identity(), 0, 0)
	require.NoError(err)
	require.Len(entries, 1)

	// Peers cannot write.
	_, err = c.Post(ctx, "intrusion")
	require.Error(err)

	// A wrong expected identity fails the handshake.
	other, err := identity.Generate(nil)
	require.NoError(err)
	_, err = DialPeer(ctx, s.Addresses()[0], me, other.Identity(), log)
	assert.Error(t, err)
}
