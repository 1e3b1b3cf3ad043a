// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package store defines the durable feed store interface.
package store

import (
	"errors"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
)

const (
	// TypeFollow and TypeUnfollow are the entry types that edit an
	// author's follow set.  Their data is the followed identity token.
	TypeFollow   = "follow"
	TypeUnfollow = "unfollow"

	// TypePost is a plain text post.
	TypePost = "post"

	pageSize = 256
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a durable set of feeds.  Implementations are safe for concurrent
// use.
type Store interface {
	// Tip returns the newest entry of author's feed, or the zero Tip.
	Tip(author *identity.Identity) (feed.Tip, error)

	// Tips returns the tip of every known feed, keyed by author token.
	Tips() (map[string]feed.Tip, error)

	// Append atomically appends entries, which may span several authors.
	// Each entry must extend its author's feed as checked by
	// feed.CheckNext, otherwise nothing is appended.
	Append(entries ...*feed.Entry) error

	// EntriesAfter returns up to limit entries of author's feed with a
	// sequence number greater than seq, in order.  A limit <= 0 returns
	// every such entry.
	EntriesAfter(author *identity.Identity, seq uint64, limit int) ([]*feed.Entry, error)

	// Get returns the entry with the given id.
	Get(id string) (*feed.Entry, error)

	// Close releases the store.
	Close() error
}

// TipFunc reads the current tip of a feed inside a backend transaction.
type TipFunc func(author *identity.Identity) (feed.Tip, error)

// Validate checks a batch of entries in order against the tips read with
// tip, and returns the resulting tip of every author in the batch.
func Validate(entries []*feed.Entry, tip TipFunc) (map[string]feed.Tip, error) {
	tips := make(map[string]feed.Tip)
	for _, e := range entries {
		if e == nil || e.Author == nil {
			return nil, feed.ErrMalformedEntry
		}
		k := e.Author.Token()
		t, ok := tips[k]
		if !ok {
			var err error
			if t, err = tip(e.Author); err != nil {
				return nil, err
			}
		}
		if err := feed.CheckNext(t, e); err != nil {
			return nil, err
		}
		tips[k] = feed.TipOf(e)
	}
	return tips, nil
}

// Follows replays author's follow and unfollow entries and returns the
// resulting follow set.
func Follows(s Store, author *identity.Identity) (map[string]*identity.Identity, error) {
	follows := make(map[string]*identity.Identity)
	var seq uint64
	for {
		entries, err := s.EntriesAfter(author, seq, pageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			seq = e.Seq
			if e.Type != TypeFollow && e.Type != TypeUnfollow {
				continue
			}
			raw, ok := e.Data.Raw()
			if !ok {
				continue
			}
			id, err := identity.FromToken(string(raw))
			if err != nil {
				continue
			}
			if e.Type == TypeFollow {
				follows[id.Token()] = id
			} else {
				delete(follows, id.Token())
			}
		}
		if len(entries) < pageSize {
			return follows, nil
		}
	}
}
