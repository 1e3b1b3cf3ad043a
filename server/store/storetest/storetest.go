// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storetest is a conformance suite for store.Store backends.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/server/store"
)

// Opener returns an empty store.  It is called once per subtest.
type Opener func(t *testing.T) store.Store

// Chain builds n entries of author's feed following tip.
func Chain(t *testing.T, author *identity.LocalIdentity, tip feed.Tip, n int) []*feed.Entry {
	entries := make([]*feed.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := feed.Build(author, tip.ID, tip.Seq+1, int64(1700000000+tip.Seq), store.TypePost,
			feed.Bytes([]byte(fmt.Sprintf("post %d", tip.Seq+1))))
		require.NoError(t, err)
		entries = append(entries, e)
		tip = feed.TipOf(e)
	}
	return entries
}

func newIdentity(t *testing.T) *identity.LocalIdentity {
	id, err := identity.Generate(nil)
	require.NoError(t, err)
	return id
}

// Run exercises a backend.
func Run(t *testing.T, open Opener) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("AppendAndRead", func(t *testing.T) { testAppendAndRead(t, open(t)) })
	t.Run("AtomicBatch", func(t *testing.T) { testAtomicBatch(t, open(t)) })
	t.Run("ChainViolations", func(t *testing.T) { testChainViolations(t, open(t)) })
	t.Run("MultipleAuthors", func(t *testing.T) { testMultipleAuthors(t, open(t)) })
	t.Run("Follows", func(t *testing.T) { testFollows(t, open(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, open(t)) })
}

func testEmpty(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	tip, err := s.Tip(newIdentity(t).Identity())
	require.NoError(err)
	require.True(tip.IsEmpty())

	tips, err := s.Tips()
	require.NoError(err)
	require.Empty(tips)

	entries, err := s.EntriesAfter(newIdentity(t).Identity(), 0, 0)
	require.NoError(err)
	require.Empty(entries)

	_, err = s.Get("%AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.ErrorIs(err, store.ErrNotFound)
}

func testAppendAndRead(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	alice := newIdentity(t)
	chain := Chain(t, alice, feed.Tip{}, 5)
	require.NoError(s.Append(chain[:2]...))
	require.NoError(s.Append(chain[2:]...))

	tip, err := s.Tip(alice.Identity())
	require.NoError(err)
	require.Equal(feed.TipOf(chain[4]), tip)

	all, err := s.EntriesAfter(alice.Identity(), 0, 0)
	require.NoError(err)
	require.Len(all, 5)
	for i, e := range all {
		require.Equal(chain[i].ID, e.ID)
		require.Equal(uint64(i+1), e.Seq)
		require.True(e.Verify(alice.Identity()))
	}

	page, err := s.EntriesAfter(alice.Identity(), 2, 2)
	require.NoError(err)
	require.Len(page, 2)
	require.Equal(uint64(3), page[0].Seq)
	require.Equal(uint64(4), page[1].Seq)

	e, err := s.Get(chain[3].ID)
	require.NoError(err)
	require.Equal(chain[3].ID, e.ID)
	require.Equal(chain[3].Prev, e.Prev)
	raw, ok := e.Data.Raw()
	require.True(ok)
	require.Equal("post 4", string(raw))
}

func testAtomicBatch(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	alice := newIdentity(t)
	chain := Chain(t, alice, feed.Tip{}, 3)

	// The last entry skips a sequence number, so none may be stored.
	err := s.Append(chain[0], chain[2])
	require.ErrorIs(err, feed.ErrChainViolation)

	tip, err := s.Tip(alice.Identity())
	require.NoError(err)
	require.True(tip.IsEmpty())
	_, err = s.Get(chain[0].ID)
	require.ErrorIs(err, store.ErrNotFound)

	require.NoError(s.Append(chain...))
}

func testChainViolations(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	alice := newIdentity(t)
	chain := Chain(t, alice, feed.Tip{}, 2)
	require.NoError(s.Append(chain[0]))

	// Replaying an entry is a violation.
	require.ErrorIs(s.Append(chain[0]), feed.ErrChainViolation)

	// A fork at sequence 2.
	fork := Chain(t, alice, feed.TipOf(chain[0]), 1)[0]
	require.NoError(s.Append(fork))
	require.ErrorIs(s.Append(chain[1]), feed.ErrChainViolation)

	// A tampered entry.
	bad := *Chain(t, alice, feed.TipOf(fork), 1)[0]
	bad.Timestamp++
	require.ErrorIs(s.Append(&bad), feed.ErrChainViolation)

	tip, err := s.Tip(alice.Identity())
	require.NoError(err)
	require.Equal(feed.TipOf(fork), tip)
}

func testMultipleAuthors(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	alice, bob := newIdentity(t), newIdentity(t)
	a := Chain(t, alice, feed.Tip{}, 2)
	b := Chain(t, bob, feed.Tip{}, 3)
	require.NoError(s.Append(a[0], b[0], b[1], a[1], b[2]))

	tips, err := s.Tips()
	require.NoError(err)
	require.Len(tips, 2)
	require.Equal(feed.TipOf(a[1]), tips[alice.Identity().Token()])
	require.Equal(feed.TipOf(b[2]), tips[bob.Identity().Token()])

	entries, err := s.EntriesAfter(bob.Identity(), 1, 0)
	require.NoError(err)
	require.Len(entries, 2)
	for _, e := range entries {
		require.True(e.Author.Equal(bob.Identity()))
	}
}

func testFollows(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	alice, bob, carol := newIdentity(t), newIdentity(t), newIdentity(t)
	var tip feed.Tip
	for _, op := range []struct {
		typ    string
		target *identity.LocalIdentity
	}{
		{store.TypeFollow, bob},
		{store.TypeFollow, carol},
		{store.TypeUnfollow, bob},
	} {
		e, err := feed.Build(alice, tip.ID, tip.Seq+1, 1, op.typ, feed.Bytes([]byte(op.target.Identity().Token())))
		require.NoError(err)
		require.NoError(s.Append(e))
		tip = feed.TipOf(e)
	}
	require.NoError(s.Append(Chain(t, alice, tip, 1)...))

	follows, err := store.Follows(s, alice.Identity())
	require.NoError(err)
	require.Len(follows, 1)
	require.Contains(follows, carol.Identity().Token())
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	alice := newIdentity(t)
	const n = 8

	// n competing first entries; exactly one may win.
	var candidates []*feed.Entry
	for i := 0; i < n; i++ {
		e, err := feed.Build(alice, "", 1, int64(i), store.TypePost, feed.Bytes([]byte{byte(i)}))
		require.NoError(err)
		candidates = append(candidates, e)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, e := range candidates {
		wg.Add(1)
		go func(e *feed.Entry) {
			defer wg.Done()
			errs <- s.Append(e)
		}(e)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(err, feed.ErrChainViolation)
		}
	}
	require.Equal(1, ok)

	tip, err := s.Tip(alice.Identity())
	require.NoError(err)
	require.Equal(uint64(1), tip.Seq)
}
