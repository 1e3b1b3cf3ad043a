// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pgxstore implements the feed store on PostgreSQL.
package pgxstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/server/store"
)

const (
	schemaVersion = 0
	maxConns      = 8

	pgxTagTip    = "feed_tip"
	pgxTagTips   = "feed_tips"
	pgxTagAfter  = "feed_entries_after"
	pgxTagGet    = "feed_get"
	pgxTagInsert = "feed_insert"

	pgCodeUniqueViolation = "23505" // `unique_violation`
)

const schema = `
CREATE TABLE IF NOT EXISTS fern_metadata (
  id      smallint PRIMARY KEY CHECK (id = 1),
  version smallint NOT NULL
);
CREATE TABLE IF NOT EXISTS fern_log (
  id        char(45) PRIMARY KEY,
  prev      char(45),
  seq       bigint   NOT NULL,
  author    char(45) NOT NULL,
  timestamp bigint   NOT NULL,
  type      text     NOT NULL,
  message   bytea    NOT NULL,
  UNIQUE (author, seq)
);
`

type pgxStore struct {
	pool *pgx.ConnPool
	log  *logging.Logger
}

// Log implements pgx.Logger.
func (p *pgxStore) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.log.Warning(mStr)
	case pgx.LogLevelError:
		p.log.Error(mStr)
	}
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch cfgLevel {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING", "NOTICE", "INFO":
		return pgx.LogLevelWarn
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		return pgx.LogLevelNone
	}
}

// New connects to PostgreSQL, creating the schema if needed.  Driver
// messages go to log at the given configured level.
func New(dataSourceName string, log *logging.Logger, level string) (store.Store, error) {
	p := &pgxStore{log: log}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(level)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: maxConns,
	}

	isOk := false
	defer func() {
		if !isOk && p.pool != nil {
			p.pool.Close()
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if _, err = p.pool.Exec(schema); err != nil {
		return nil, fmt.Errorf("pgxstore: failed to create schema: %v", err)
	}
	if err = p.initMetadata(); err != nil {
		return nil, err
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

func (p *pgxStore) initMetadata() error {
	if _, err := p.pool.Exec(`INSERT INTO fern_metadata(id, version) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`, schemaVersion); err != nil {
		return fmt.Errorf("pgxstore: failed to write metadata: %v", err)
	}
	var version int32
	if err := p.pool.QueryRow(`SELECT version FROM fern_metadata WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("pgxstore: failed to read metadata: %v", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("pgxstore: invalid schema version: %v", version)
	}
	return nil
}

func (p *pgxStore) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagTip, "SELECT id, seq FROM fern_log WHERE author = $1 ORDER BY seq DESC LIMIT 1"},
		{pgxTagTips, "SELECT l.author, l.id, l.seq FROM fern_log l JOIN (SELECT author, MAX(seq) AS seq FROM fern_log GROUP BY author) m ON l.author = m.author AND l.seq = m.seq"},
		{pgxTagAfter, "SELECT message FROM fern_log WHERE author = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3"},
		{pgxTagGet, "SELECT message FROM fern_log WHERE id = $1"},
		{pgxTagInsert, "INSERT INTO fern_log(id, prev, seq, author, timestamp, type, message) VALUES ($1, $2, $3, $4, $5, $6, $7)"},
	}

	for _, v := range stmts {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

type rowQuerier interface {
	QueryRow(sql string, args ...interface{}) *pgx.Row
}

func readTip(q rowQuerier, author *identity.Identity) (feed.Tip, error) {
	var id string
	var seq int64
	err := q.QueryRow(pgxTagTip, author.Token()).Scan(&id, &seq)
	switch {
	case err == pgx.ErrNoRows:
		return feed.Tip{}, nil
	case err != nil:
		return feed.Tip{}, err
	}
	return feed.Tip{ID: id, Seq: uint64(seq)}, nil
}

func (p *pgxStore) Tip(author *identity.Identity) (feed.Tip, error) {
	return readTip(p.pool, author)
}

func (p *pgxStore) Tips() (map[string]feed.Tip, error) {
	rows, err := p.pool.Query(pgxTagTips)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tips := make(map[string]feed.Tip)
	for rows.Next() {
		var author, id string
		var seq int64
		if err := rows.Scan(&author, &id, &seq); err != nil {
			return nil, err
		}
		tips[author] = feed.Tip{ID: id, Seq: uint64(seq)}
	}
	return tips, rows.Err()
}

func (p *pgxStore) Append(entries ...*feed.Entry) error {
	tx, err := p.pool.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := store.Validate(entries, func(author *identity.Identity) (feed.Tip, error) {
		return readTip(tx, author)
	}); err != nil {
		return err
	}
	for _, e := range entries {
		msg, err := e.Message()
		if err != nil {
			return err
		}
		var prev *string
		if e.Prev != "" {
			prev = &e.Prev
		}
		if _, err := tx.Exec(pgxTagInsert, e.ID, prev, int64(e.Seq), e.Author.Token(), e.Timestamp, e.Type, msg); err != nil {
			return insertError(e, err)
		}
	}
	return tx.Commit()
}

// insertError maps a unique violation, raised when a concurrent append won
// the race for e's sequence number or id, to a chain violation.
func insertError(e *feed.Entry, err error) error {
	var pgErr pgx.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation {
		return &feed.ChainViolationError{Author: e.Author, Seq: e.Seq, Reason: "sequence already taken"}
	}
	return err
}

func (p *pgxStore) EntriesAfter(author *identity.Identity, seq uint64, limit int) ([]*feed.Entry, error) {
	var lim interface{}
	if limit > 0 {
		lim = int64(limit)
	}
	rows, err := p.pool.Query(pgxTagAfter, author.Token(), int64(seq), lim)
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

func (p *pgxStore) Get(id string) (*feed.Entry, error) {
	var msg []byte
	err := p.pool.QueryRow(pgxTagGet, id).Scan(&msg)
	switch {
	case err == pgx.ErrNoRows:
		return nil, store.ErrNotFound
	case err != nil:
		return nil, err
	}
	return feed.FromMessage(msg)
}

func (p *pgxStore) Close() error {
	p.pool.Close()
	return nil
}
