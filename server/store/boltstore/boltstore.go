// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore implements the feed store with a bbolt backend.
package boltstore

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/server/store"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	feedsBucket    = "feeds"
	entriesBucket  = "entries"
	tipsBucket     = "tips"

	storeVersion = 0
)

// record is the value stored per entry in an author's bucket.
type record struct {
	ID      string `cbor:"1,keyasint"`
	Message []byte `cbor:"2,keyasint"`
}

// location is the value of the id index.
type location struct {
	Author []byte `cbor:"1,keyasint"`
	Seq    uint64 `cbor:"2,keyasint"`
}

type tipRecord struct {
	ID  string `cbor:"1,keyasint"`
	Seq uint64 `cbor:"2,keyasint"`
}

type boltStore struct {
	db *bolt.DB
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func readTip(tx *bolt.Tx, author []byte) (feed.Tip, error) {
	raw := tx.Bucket([]byte(tipsBucket)).Get(author)
	if raw == nil {
		return feed.Tip{}, nil
	}
	var t tipRecord
	if err := cbor.Unmarshal(raw, &t); err != nil {
		return feed.Tip{}, fmt.Errorf("boltstore: corrupt tip: %w", err)
	}
	return feed.Tip{ID: t.ID, Seq: t.Seq}, nil
}

func decodeRecord(raw []byte) (*feed.Entry, error) {
	var r record
	if err := cbor.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("boltstore: corrupt record: %w", err)
	}
	e, err := feed.FromMessage(r.Message)
	if err != nil {
		return nil, err
	}
	if e.ID != r.ID {
		return nil, fmt.Errorf("boltstore: record %v does not match its message", r.ID)
	}
	return e, nil
}

func (s *boltStore) Tip(author *identity.Identity) (feed.Tip, error) {
	var tip feed.Tip
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tip, err = readTip(tx, author.Bytes())
		return err
	})
	return tip, err
}

func (s *boltStore) Tips() (map[string]feed.Tip, error) {
	tips := make(map[string]feed.Tip)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(tipsBucket)).ForEach(func(k, v []byte) error {
			author, err := identity.FromBytes(k)
			if err != nil {
				return err
			}
			var t tipRecord
			if err := cbor.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("boltstore: corrupt tip: %w", err)
			}
			tips[author.Token()] = feed.Tip{ID: t.ID, Seq: t.Seq}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tips, nil
}

func (s *boltStore) Append(entries ...*feed.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tips, err := store.Validate(entries, func(author *identity.Identity) (feed.Tip, error) {
			return readTip(tx, author.Bytes())
		})
		if err != nil {
			return err
		}

		fBkt := tx.Bucket([]byte(feedsBucket))
		eBkt := tx.Bucket([]byte(entriesBucket))
		for _, e := range entries {
			author := e.Author.Bytes()
			aBkt, err := fBkt.CreateBucketIfNotExists(author)
			if err != nil {
				return err
			}
			msg, err := e.Message()
			if err != nil {
				return err
			}
			rec, err := cbor.Marshal(&record{ID: e.ID, Message: msg})
			if err != nil {
				return err
			}
			if err = aBkt.Put(seqKey(e.Seq), rec); err != nil {
				return err
			}
			loc, err := cbor.Marshal(&location{Author: author, Seq: e.Seq})
			if err != nil {
				return err
			}
			if err = eBkt.Put([]byte(e.ID), loc); err != nil {
				return err
			}
		}

		tBkt := tx.Bucket([]byte(tipsBucket))
		for token, tip := range tips {
			author, err := identity.FromToken(token)
			if err != nil {
				return err
			}
			raw, err := cbor.Marshal(&tipRecord{ID: tip.ID, Seq: tip.Seq})
			if err != nil {
				return err
			}
			if err = tBkt.Put(author.Bytes(), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) EntriesAfter(author *identity.Identity, seq uint64, limit int) ([]*feed.Entry, error) {
	var entries []*feed.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		aBkt := tx.Bucket([]byte(feedsBucket)).Bucket(author.Bytes())
		if aBkt == nil {
			return nil
		}
		cur := aBkt.Cursor()
		for k, v := cur.Seek(seqKey(seq + 1)); k != nil; k, v = cur.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			e, err := decodeRecord(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *boltStore) Get(id string) (*feed.Entry, error) {
	var e *feed.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(entriesBucket)).Get([]byte(id))
		if raw == nil {
			return store.ErrNotFound
		}
		var loc location
		if err := cbor.Unmarshal(raw, &loc); err != nil {
			return fmt.Errorf("boltstore: corrupt index: %w", err)
		}
		aBkt := tx.Bucket([]byte(feedsBucket)).Bucket(loc.Author)
		if aBkt == nil {
			return store.ErrNotFound
		}
		v := aBkt.Get(seqKey(loc.Seq))
		if v == nil {
			return store.ErrNotFound
		}
		var err error
		e, err = decodeRecord(v)
		return err
	})
	return e, err
}

func (s *boltStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// New creates (or loads) a feed store with the given file name f.
func New(f string) (store.Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &boltStore{db: db}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{feedsBucket, entriesBucket, tipsBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("boltstore: incompatible version: %x", b)
			}
			return nil
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		s.db.Close()
		return nil, err
	}
	return s, nil
}
