// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/utils"
	"github.com/fern-gossip/fern/server/config"
	"github.com/fern-gossip/fern/server/store"
)

func testConfig(t *testing.T, dataDir string, peers ...*config.Peer) *config.Config {
	cfg := &config.Config{
		Node: &config.Node{
			Identifier:   "server-test.example",
			DataDir:      dataDir,
			Addresses:    []string{"tcp://127.0.0.1:0"},
			LocalAddress: "127.0.0.1:0",
		},
		Logging:   &config.Logging{Disable: true, Level: "DEBUG"},
		Discovery: &config.Discovery{Disable: true},
		Peers:     peers,
		Debug: &config.Debug{
			ConnectTimeout:      2000,
			HandshakeTimeout:    2000,
			ReplicationInterval: 50,
		},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)
	dir := filepath.Join(t.TempDir(), "node")
	cfg := testConfig(t, dir)
	cfg.Debug.GenerateOnly = true

	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)
	require.True(utils.Exists(cfg.Node.SecretFile))
	require.False(utils.Exists(cfg.Storage.File))
}

func TestIdentityPersists(t *testing.T) {
	require := require.New(t)
	dir := filepath.Join(t.TempDir(), "node")

	s, err := New(testConfig(t, dir))
	require.NoError(err)
	id := s.Identity()
	e, err := s.Publish(store.TypePost, feed.Bytes([]byte("before restart")))
	require.NoError(err)
	s.Shutdown()
	s.Wait()

	s = startServer(t, testConfig(t, dir))
	require.True(id.Equal(s.Identity()))
	tip, err := s.Store().Tip(id)
	require.NoError(err)
	require.Equal(feed.TipOf(e), tip)

	e2, err := s.Publish(store.TypePost, feed.Bytes([]byte("after restart")))
	require.NoError(err)
	require.EqualValues(2, e2.Seq)
	require.Equal(e.ID, e2.Prev)
}

func TestSQLiteBackend(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t, filepath.Join(t.TempDir(), "node"))
	cfg.Storage = &config.Storage{Backend: config.BackendSQLite}
	require.NoError(cfg.FixupAndValidate())

	s := startServer(t, cfg)
	_, err := s.Publish(store.TypePost, feed.Bytes([]byte("sqlite")))
	require.NoError(err)
	require.True(utils.Exists(cfg.Storage.File))
}

func TestReplication(t *testing.T) {
	require := require.New(t)

	alice := startServer(t, testConfig(t, filepath.Join(t.TempDir(), "alice")))
	for i := 0; i < 5; i++ {
		_, err := alice.Publish(store.TypePost, feed.Bytes([]byte("from alice")))
		require.NoError(err)
	}

	bob := startServer(t, testConfig(t, filepath.Join(t.TempDir(), "bob"), &config.Peer{
		Identity: alice.Identity().Token(),
		Address:  alice.Addresses()[0],
	}))
	_, err := bob.Publish(store.TypeFollow, feed.Bytes([]byte(alice.Identity().Token())))
	require.NoError(err)

	// Bob dials alice and pulls her feed.
	require.Eventually(func() bool {
		tip, err := bob.Store().Tip(alice.Identity())
		return err == nil && tip.Seq == 5
	}, 10*time.Second, 20*time.Millisecond)

	// Alice sees bob connected.
	require.Eventually(func() bool {
		for _, p := range alice.Peers() {
			if p.Equal(bob.Identity()) {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// New entries keep flowing over the open connection.
	e, err := alice.Publish(store.TypePost, feed.Bytes([]byte("later")))
	require.NoError(err)
	require.Eventually(func() bool {
		got, err := bob.Store().Get(e.ID)
		return err == nil && got.ID == e.ID
	}, 10*time.Second, 20*time.Millisecond)

	// Alice does not follow bob, so his feed stays with him.
	tip, err := alice.Store().Tip(bob.Identity())
	require.NoError(err)
	require.True(tip.IsEmpty())
}
