// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package replicator pulls followed feeds from connected peers.
package replicator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/server/internal/handlers"
	"github.com/fern-gossip/fern/server/internal/instrument"
	"github.com/fern-gossip/fern/server/store"
)

const (
	// The seen filter is 2^23 bits (1 MiB), and is reset once full.
	seenFilterLn2  = 23
	seenFilterRate = 0.001

	methodTips    = handlers.GroupGossip + ".tips"
	methodHistory = handlers.GroupGossip + ".history"
)

// Replicator fetches the feeds the local identity follows, and its own,
// from peers.  Fetched entries are verified and appended through the store,
// which enforces the hash chain.
type Replicator struct {
	sync.Mutex

	id    *identity.LocalIdentity
	store store.Store
	log   *logging.Logger

	interval     time.Duration
	historyLimit int

	seen *bloom.Filter
}

// New creates a Replicator.
func New(id *identity.LocalIdentity, s store.Store, log *logging.Logger, interval time.Duration, historyLimit int) (*Replicator, error) {
	f, err := bloom.New(rand.Reader, seenFilterLn2, seenFilterRate)
	if err != nil {
		return nil, err
	}
	return &Replicator{
		id:           id,
		store:        s,
		log:          log,
		interval:     interval,
		historyLimit: historyLimit,
		seen:         f,
	}, nil
}

// Run replicates every interval until ep ends or ctx is done.
func (r *Replicator) Run(ctx context.Context, ep *muxrpc.Endpoint) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ep.Done():
			return
		case <-t.C:
		}
		n, err := r.Round(ctx, ep)
		switch {
		case err != nil:
			r.log.Debugf("Replication from %v failed: %v", ep.Peer(), err)
		case n > 0:
			r.log.Infof("Replicated %d entries from %v", n, ep.Peer())
		}
		t.Reset(r.interval)
	}
}

// wanted returns the feeds to replicate.
func (r *Replicator) wanted() (map[string]*identity.Identity, error) {
	follows, err := store.Follows(r.store, r.id.Identity())
	if err != nil {
		return nil, err
	}
	self := r.id.Identity()
	follows[self.Token()] = self
	return follows, nil
}

// Round runs one replication round over ep.
func (r *Replicator) Round(ctx context.Context, ep *muxrpc.Endpoint) (int, error) {
	wanted, err := r.wanted()
	if err != nil {
		return 0, err
	}

	var remote map[string]uint64
	if err := ep.Call(ctx, methodTips, nil, &remote); err != nil {
		return 0, err
	}

	total := 0
	for token, author := range wanted {
		remoteSeq, ok := remote[token]
		if !ok {
			continue
		}
		tip, err := r.store.Tip(author)
		if err != nil {
			return total, err
		}
		if remoteSeq <= tip.Seq {
			continue
		}
		n, err := r.fetch(ctx, ep, author, tip)
		total += n
		if err != nil {
			if errors.Is(err, feed.ErrChainViolation) {
				continue
			}
			return total, err
		}
	}
	if total > 0 {
		instrument.EntriesReplicated(total)
	}
	return total, nil
}

// isStored reports whether e is already in the store.  The filter only
// short-cuts the common miss; every hit is confirmed.
func (r *Replicator) isStored(e *feed.Entry) (bool, error) {
	r.Lock()
	if r.seen.Entries() >= r.seen.MaxEntries() {
		f, err := bloom.New(rand.Reader, seenFilterLn2, seenFilterRate)
		if err != nil {
			r.Unlock()
			return false, err
		}
		r.seen = f
	}
	hit := r.seen.TestAndSet([]byte(e.ID))
	r.Unlock()
	if !hit {
		return false, nil
	}

	_, err := r.store.Get(e.ID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (r *Replicator) fetch(ctx context.Context, ep *muxrpc.Endpoint, author *identity.Identity, tip feed.Tip) (int, error) {
	src, err := ep.Source(ctx, methodHistory, &handlers.HistoryArgs{
		ID:    author.Token(),
		Seq:   tip.Seq,
		Limit: r.historyLimit,
	})
	if err != nil {
		return 0, err
	}
	defer src.Close()

	n := 0
	for {
		e := new(feed.Entry)
		err := src.Next(e)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if !e.Verify(author) {
			instrument.ChainViolation()
			r.log.Warningf("Peer %v sent an invalid entry for %v", ep.Peer(), author)
			return n, &feed.ChainViolationError{Author: author, Seq: e.Seq, Reason: "entry does not verify"}
		}

		stored, err := r.isStored(e)
		if err != nil {
			return n, err
		}
		if stored {
			continue
		}
		if err := r.store.Append(e); err != nil {
			if errors.Is(err, feed.ErrChainViolation) {
				// Another connection stored it first.
				if _, gerr := r.store.Get(e.ID); gerr == nil {
					continue
				}
				instrument.ChainViolation()
				r.log.Warningf("Rejected entry from %v: %v", ep.Peer(), err)
			}
			return n, err
		}
		n++
	}
}
