// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package handlers implements the RPC methods a node serves.
//
// Three groups exist.  "feed" edits and reads the node's own feed, "sync"
// exposes follow sets and "gossip" lets peers fetch feeds.  Local clients
// get feed and sync; peers get sync, gossip and the read only part of feed.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/server/internal/instrument"
	"github.com/fern-gossip/fern/server/store"
)

const (
	GroupFeed   = "feed"
	GroupSync   = "sync"
	GroupGossip = "gossip"

	defaultHistoryLimit = 1000
)

// Publisher appends to the local feed.
type Publisher interface {
	Identity() *identity.Identity
	Publish(typ string, data feed.Data) (*feed.Entry, error)
}

// Handlers serves the RPC methods on top of a store.
type Handlers struct {
	store store.Store
	pub   Publisher
	log   *logging.Logger

	historyLimit int
}

// New returns Handlers.  historyLimit caps the entries returned by one
// history request.
func New(s store.Store, pub Publisher, log *logging.Logger, historyLimit int) *Handlers {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Handlers{
		store:        s,
		pub:          pub,
		log:          log,
		historyLimit: historyLimit,
	}
}

// IDResponse answers the feed methods that publish an entry.
type IDResponse struct {
	ID string `json:"id"`
}

// TargetArgs names an identity.
type TargetArgs struct {
	ID string `json:"id"`
}

// PostArgs are the arguments of feed.post.
type PostArgs struct {
	Data *string `json:"data"`
}

// AddArgs are the arguments of feed.add.  Data is either a string, stored
// as bytes, or any other JSON value, stored structured.
type AddArgs struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HistoryArgs select entries of one feed with a sequence number above Seq.
type HistoryArgs struct {
	ID    string `json:"id"`
	Seq   uint64 `json:"seq"`
	Limit int    `json:"limit"`
}

var errArgs = errors.New("invalid arguments")

func counted(name string, h muxrpc.HandlerFunc) muxrpc.HandlerFunc {
	return func(ctx context.Context, req *muxrpc.Request, sink muxrpc.Sink) (interface{}, error) {
		instrument.Request(name)
		return h(ctx, req, sink)
	}
}

func group(prefix string, m map[string]muxrpc.HandlerFunc) map[string]muxrpc.HandlerFunc {
	out := make(map[string]muxrpc.HandlerFunc, len(m))
	for name, h := range m {
		out[name] = counted(prefix+"."+name, h)
	}
	return out
}

// Feed returns the feed group.
func (h *Handlers) Feed() map[string]muxrpc.HandlerFunc {
	return group(GroupFeed, map[string]muxrpc.HandlerFunc{
		"follow":   h.follow,
		"unfollow": h.unfollow,
		"post":     h.post,
		"add":      h.add,
		"digest":   h.digest,
		"history":  h.history,
	})
}

// FeedReadOnly returns the part of the feed group peers may call.
func (h *Handlers) FeedReadOnly() map[string]muxrpc.HandlerFunc {
	return group(GroupFeed, map[string]muxrpc.HandlerFunc{
		"digest":  h.digest,
		"history": h.history,
	})
}

// Sync returns the sync group.
func (h *Handlers) Sync() map[string]muxrpc.HandlerFunc {
	return group(GroupSync, map[string]muxrpc.HandlerFunc{
		"follows": h.follows,
	})
}

// Gossip returns the gossip group.
func (h *Handlers) Gossip() map[string]muxrpc.HandlerFunc {
	return group(GroupGossip, map[string]muxrpc.HandlerFunc{
		"tips":    h.tips,
		"history": h.history,
	})
}

// LocalMux serves local clients.
func (h *Handlers) LocalMux() *muxrpc.Mux {
	m := muxrpc.NewMux()
	m.RegisterGroup(GroupFeed, h.Feed())
	m.RegisterGroup(GroupSync, h.Sync())
	return m
}

// PeerMux serves authenticated peers.
func (h *Handlers) PeerMux() *muxrpc.Mux {
	m := muxrpc.NewMux()
	m.RegisterGroup(GroupFeed, h.FeedReadOnly())
	m.RegisterGroup(GroupSync, h.Sync())
	m.RegisterGroup(GroupGossip, h.Gossip())
	return m
}

func bindTarget(req *muxrpc.Request) (*identity.Identity, error) {
	var args TargetArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	id, err := identity.FromToken(args.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", errArgs, err)
	}
	return id, nil
}

func (h *Handlers) publish(typ string, data feed.Data) (interface{}, error) {
	e, err := h.pub.Publish(typ, data)
	if err != nil {
		return nil, err
	}
	return &IDResponse{ID: e.ID}, nil
}

func (h *Handlers) follow(_ context.Context, req *muxrpc.Request, _ muxrpc.Sink) (interface{}, error) {
	id, err := bindTarget(req)
	if err != nil {
		return nil, err
	}
	return h.publish(store.TypeFollow, feed.Bytes([]byte(id.Token())))
}

func (h *Handlers) unfollow(_ context.Context, req *muxrpc.Request, _ muxrpc.Sink) (interface{}, error) {
	id, err := bindTarget(req)
	if err != nil {
		return nil, err
	}
	return h.publish(store.TypeUnfollow, feed.Bytes([]byte(id.Token())))
}

func (h *Handlers) post(_ context.Context, req *muxrpc.Request, _ muxrpc.Sink) (interface{}, error) {
	var args PostArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Data == nil {
		return nil, fmt.Errorf("%w: data must be a string", errArgs)
	}
	return h.publish(store.TypePost, feed.Bytes([]byte(*args.Data)))
}

func (h *Handlers) add(_ context.Context, req *muxrpc.Request, _ muxrpc.Sink) (interface{}, error) {
	var args AddArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Type == "" {
		return nil, fmt.Errorf("%w: type is required", errArgs)
	}
	if len(args.Data) == 0 || string(args.Data) == "null" {
		return nil, fmt.Errorf("%w: data is required", errArgs)
	}

	var s string
	if err := json.Unmarshal(args.Data, &s); err == nil {
		return h.publish(args.Type, feed.Bytes([]byte(s)))
	}
	data, err := feed.Structured(args.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", errArgs, err)
	}
	return h.publish(args.Type, data)
}

// digest maps every known author to the id of its newest entry.
func (h *Handlers) digest(context.Context, *muxrpc.Request, muxrpc.Sink) (interface{}, error) {
	tips, err := h.store.Tips()
	if err != nil {
		return nil, err
	}
	digest := make(map[string]string, len(tips))
	for author, tip := range tips {
		digest[author] = tip.ID
	}
	return digest, nil
}

// tips maps every known author to its newest sequence number.
func (h *Handlers) tips(context.Context, *muxrpc.Request, muxrpc.Sink) (interface{}, error) {
	tips, err := h.store.Tips()
	if err != nil {
		return nil, err
	}
	seqs := make(map[string]uint64, len(tips))
	for author, tip := range tips {
		seqs[author] = tip.Seq
	}
	return seqs, nil
}

func (h *Handlers) history(ctx context.Context, req *muxrpc.Request, sink muxrpc.Sink) (interface{}, error) {
	var args HistoryArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	author, err := identity.FromToken(args.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", errArgs, err)
	}
	limit := args.Limit
	if limit <= 0 || limit > h.historyLimit {
		limit = h.historyLimit
	}

	entries, err := h.store.EntriesAfter(author, args.Seq, limit)
	if err != nil {
		return nil, err
	}
	if !req.Stream {
		if entries == nil {
			entries = []*feed.Entry{}
		}
		return entries, nil
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := sink.Send(e); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// follows returns the follow set of the given identity, by default the
// local one, as sorted identity tokens.
func (h *Handlers) follows(_ context.Context, req *muxrpc.Request, _ muxrpc.Sink) (interface{}, error) {
	var args TargetArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	id := h.pub.Identity()
	if args.ID != "" {
		var err error
		if id, err = identity.FromToken(args.ID); err != nil {
			return nil, fmt.Errorf("%w: id: %v", errArgs, err)
		}
	}

	set, err := store.Follows(h.store, id)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens, nil
}
