// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package feed

import (
	"errors"
	"fmt"

	"github.com/fern-gossip/fern/core/crypto/identity"
)

// ErrChainViolation is matched by every ChainViolationError.
var ErrChainViolation = errors.New("feed: chain violation")

// ChainViolationError describes an entry rejected at the append boundary.
type ChainViolationError struct {
	Author *identity.Identity
	Seq    uint64
	Reason string
}

func (e *ChainViolationError) Error() string {
	if e.Author != nil {
		return fmt.Sprintf("feed: chain violation for %s #%d: %s", e.Author, e.Seq, e.Reason)
	}
	return fmt.Sprintf("feed: chain violation at #%d: %s", e.Seq, e.Reason)
}

// Is reports every ChainViolationError as ErrChainViolation.
func (e *ChainViolationError) Is(target error) bool {
	return target == ErrChainViolation
}

// Tip is the newest entry of a feed.  The zero Tip is an empty feed.
type Tip struct {
	ID  string
	Seq uint64
}

// IsEmpty reports whether the feed has no entries.
func (t Tip) IsEmpty() bool {
	return t.Seq == 0
}

// TipOf returns the tip of a feed ending in e.
func TipOf(e *Entry) Tip {
	return Tip{ID: e.ID, Seq: e.Seq}
}

// CheckNext validates that e may be appended to a feed whose newest entry is
// tip.
func CheckNext(tip Tip, e *Entry) error {
	violation := func(reason string) error {
		return &ChainViolationError{Author: e.Author, Seq: e.Seq, Reason: reason}
	}
	if !e.Verify(nil) {
		return violation("invalid signature")
	}
	if e.Seq != tip.Seq+1 {
		return violation(fmt.Sprintf("expected sequence %d", tip.Seq+1))
	}
	if e.Prev != tip.ID {
		return violation("previous id does not match the feed tip")
	}
	return nil
}

// CheckChain validates a run of entries by one author appended to tip, and
// returns the resulting tip.
func CheckChain(tip Tip, entries []*Entry) (Tip, error) {
	for _, e := range entries {
		if err := CheckNext(tip, e); err != nil {
			return tip, err
		}
		tip = TipOf(e)
	}
	return tip, nil
}
