// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqlstore implements the feed store on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/server/store"
)

const (
	schemaVersion = 0
	opTimeout     = 10 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
  id      INTEGER PRIMARY KEY CHECK(id=1),
  version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS log (
  id        CHAR(45) PRIMARY KEY,
  prev      CHAR(45),
  seq       INTEGER NOT NULL,
  author    CHAR(45) NOT NULL,
  timestamp INTEGER NOT NULL,
  type      TEXT    NOT NULL,
  message   BLOB    NOT NULL,
  UNIQUE(author, seq)
);
`

const (
	tipQuery   = `SELECT id, seq FROM log WHERE author = ? ORDER BY seq DESC LIMIT 1`
	tipsQuery  = `SELECT l.author, l.id, l.seq FROM log l JOIN (SELECT author, MAX(seq) AS seq FROM log GROUP BY author) m ON l.author = m.author AND l.seq = m.seq`
	afterQuery = `SELECT message FROM log WHERE author = ? AND seq > ? ORDER BY seq ASC LIMIT ?`
	getQuery   = `SELECT message FROM log WHERE id = ?`
	insertStmt = `INSERT INTO log(id, prev, seq, author, timestamp, type, message) VALUES(?, ?, ?, ?, ?, ?, ?)`
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlStore struct {
	db *sql.DB
}

// New opens or creates a SQLite feed store.  dsn is a file name or a
// modernc.org/sqlite data source name.
func New(dsn string) (store.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps the PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlstore: set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &sqlStore{db: db}
	if err := s.initMetadata(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) initMetadata() error {
	var version int
	err := s.db.QueryRow(`SELECT version FROM metadata WHERE id = 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO metadata(id, version) VALUES(1, ?)`, schemaVersion)
		return err
	case err != nil:
		return err
	case version != schemaVersion:
		return fmt.Errorf("sqlstore: incompatible schema version: %d", version)
	}
	return nil
}

func readTip(ctx context.Context, q queryRower, author *identity.Identity) (feed.Tip, error) {
	var tip feed.Tip
	err := q.QueryRowContext(ctx, tipQuery, author.Token()).Scan(&tip.ID, &tip.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Tip{}, nil
	}
	return tip, err
}

func (s *sqlStore) Tip(author *identity.Identity) (feed.Tip, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return readTip(ctx, s.db, author)
}

func (s *sqlStore) Tips() (map[string]feed.Tip, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, tipsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tips := make(map[string]feed.Tip)
	for rows.Next() {
		var author string
		var tip feed.Tip
		if err := rows.Scan(&author, &tip.ID, &tip.Seq); err != nil {
			return nil, err
		}
		tips[author] = tip
	}
	return tips, rows.Err()
}

func (s *sqlStore) Append(entries ...*feed.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := store.Validate(entries, func(author *identity.Identity) (feed.Tip, error) {
		return readTip(ctx, tx, author)
	}); err != nil {
		return err
	}
	for _, e := range entries {
		msg, err := e.Message()
		if err != nil {
			return err
		}
		var prev sql.NullString
		if e.Prev != "" {
			prev = sql.NullString{String: e.Prev, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertStmt,
			e.ID, prev, e.Seq, e.Author.Token(), e.Timestamp, e.Type, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) EntriesAfter(author *identity.Identity, seq uint64, limit int) ([]*feed.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if limit <= 0 {
		limit = -1 // No LIMIT in SQLite.
	}
	rows, err := s.db.QueryContext(ctx, afterQuery, author.Token(), seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*feed.Entry
	for rows.Next() {
		var msg []byte
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		e, err := feed.FromMessage(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlStore) Get(id string) (*feed.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var msg []byte
	err := s.db.QueryRowContext(ctx, getQuery, id).Scan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return feed.FromMessage(msg)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
