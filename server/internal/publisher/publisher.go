// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package publisher appends entries to the node's own feed.
package publisher

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/server/internal/instrument"
	"github.com/fern-gossip/fern/server/store"
)

// Publisher signs and stores new entries of one local author.  Publish
// calls are serialized so that two entries never claim the same sequence
// number.
type Publisher struct {
	sync.Mutex

	id    *identity.LocalIdentity
	store store.Store
	log   *logging.Logger

	now func() time.Time
}

// New returns a Publisher appending id's entries to s.
func New(id *identity.LocalIdentity, s store.Store, log *logging.Logger) *Publisher {
	return &Publisher{
		id:    id,
		store: s,
		log:   log,
		now:   time.Now,
	}
}

// Identity returns the author.
func (p *Publisher) Identity() *identity.Identity {
	return p.id.Identity()
}

// Publish appends an entry of the given type and data.
func (p *Publisher) Publish(typ string, data feed.Data) (*feed.Entry, error) {
	p.Lock()
	defer p.Unlock()

	tip, err := p.store.Tip(p.id.Identity())
	if err != nil {
		return nil, err
	}
	e, err := feed.Build(p.id, tip.ID, tip.Seq+1, p.now().Unix(), typ, data)
	if err != nil {
		return nil, err
	}
	if err = p.store.Append(e); err != nil {
		p.log.Errorf("Failed to append #%d: %v", e.Seq, err)
		return nil, err
	}
	instrument.EntriesAppended(1)
	p.log.Debugf("Published %v #%d (%s)", e.ID, e.Seq, typ)
	return e, nil
}
