// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements a fern RPC client, either for the local
// unencrypted listener of a node or for a peer listener over the secret
// handshake.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/muxrpc"
	"github.com/fern-gossip/fern/core/transport"
	"github.com/fern-gossip/fern/core/wire"
)

// Client is a connection to a node.
type Client struct {
	ep  *muxrpc.Endpoint
	log *logging.Logger

	closeFn func()
}

// New wraps an established endpoint.
func New(ep *muxrpc.Endpoint, log *logging.Logger) *Client {
	return &Client{ep: ep, log: log, closeFn: func() { ep.Close() }}
}

// Dial connects to the local listener of a node at addr (host:port).
func Dial(ctx context.Context, addr string, log *logging.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	ep := muxrpc.NewEndpoint(conn, &muxrpc.EndpointConfig{Log: log})
	return New(ep, log), nil
}

// DialPeer connects to the peer listener at addr, authenticating as local
// and expecting remote.  Only the read only methods are served to peers.
func DialPeer(ctx context.Context, addr string, local *identity.LocalIdentity, remote *identity.Identity, log *logging.Logger) (*Client, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	cfg := &wire.SessionConfig{
		Identity: local,
		Remote:   remote,
		Log:      log,
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.HandshakeTimeout = time.Until(deadline)
	}
	w, err := wire.NewSession(cfg, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err = w.Initialize(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{ep: w.Endpoint(), log: log, closeFn: w.Close}, nil
}

// Close says goodbye and closes the connection.
func (c *Client) Close() {
	c.closeFn()
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.ep.Done()
}

type idResponse struct {
	ID string `json:"id"`
}

type targetArgs struct {
	ID string `json:"id,omitempty"`
}

type historyArgs struct {
	ID    string `json:"id"`
	Seq   uint64 `json:"seq"`
	Limit int    `json:"limit,omitempty"`
}

func (c *Client) publish(ctx context.Context, name string, args interface{}) (string, error) {
	var resp idResponse
	if err := c.ep.Call(ctx, name, args, &resp); err != nil {
		return "", err
	}
	if !feed.ValidID(resp.ID) {
		return "", fmt.Errorf("client: '%s' returned a malformed id '%s'", name, resp.ID)
	}
	return resp.ID, nil
}

// Post publishes a post entry and returns its id.
func (c *Client) Post(ctx context.Context, text string) (string, error) {
	return c.publish(ctx, "feed.post", &struct {
		Data string `json:"data"`
	}{text})
}

// Follow publishes a follow entry for id.
func (c *Client) Follow(ctx context.Context, id *identity.Identity) (string, error) {
	return c.publish(ctx, "feed.follow", &targetArgs{ID: id.Token()})
}

// Unfollow publishes an unfollow entry for id.
func (c *Client) Unfollow(ctx context.Context, id *identity.Identity) (string, error) {
	return c.publish(ctx, "feed.unfollow", &targetArgs{ID: id.Token()})
}

// Add publishes an entry of any type.  A string data is stored as bytes,
// anything else must be canonically encodable.
func (c *Client) Add(ctx context.Context, typ string, data interface{}) (string, error) {
	if typ == "" {
		return "", errors.New("client: empty entry type")
	}
	return c.publish(ctx, "feed.add", &struct {
		Type string      `json:"type"`
		Data interface{} `json:"data"`
	}{typ, data})
}

// Digest maps every author the node knows to the id of its newest entry.
func (c *Client) Digest(ctx context.Context) (map[string]string, error) {
	var digest map[string]string
	if err := c.ep.Call(ctx, "feed.digest", nil, &digest); err != nil {
		return nil, err
	}
	return digest, nil
}

// Tips maps every author the node knows to its newest sequence number.  It
// is only served to peers.
func (c *Client) Tips(ctx context.Context) (map[string]uint64, error) {
	var tips map[string]uint64
	if err := c.ep.Call(ctx, "gossip.tips", nil, &tips); err != nil {
		return nil, err
	}
	return tips, nil
}

// Follows returns the follow set of id, or of the node when id is nil.
func (c *Client) Follows(ctx context.Context, id *identity.Identity) ([]*identity.Identity, error) {
	var args targetArgs
	if id != nil {
		args.ID = id.Token()
	}
	var tokens []string
	if err := c.ep.Call(ctx, "sync.follows", &args, &tokens); err != nil {
		return nil, err
	}
	ids := make([]*identity.Identity, 0, len(tokens))
	for _, t := range tokens {
		id, err := identity.FromToken(t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// History returns up to limit entries of id's feed after seq.  A limit of
// zero uses the node's maximum.
func (c *Client) History(ctx context.Context, id *identity.Identity, seq uint64, limit int) ([]*feed.Entry, error) {
	var entries []*feed.Entry
	args := &historyArgs{ID: id.Token(), Seq: seq, Limit: limit}
	if err := c.ep.Call(ctx, "feed.history", args, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// HistoryStream is History as a stream, calling fn for every entry.
func (c *Client) HistoryStream(ctx context.Context, id *identity.Identity, seq uint64, limit int, fn func(*feed.Entry) error) error {
	args := &historyArgs{ID: id.Token(), Seq: seq, Limit: limit}
	src, err := c.ep.Source(ctx, "feed.history", args)
	if err != nil {
		return err
	}
	defer src.Close()
	for {
		e := new(feed.Entry)
		switch err := src.Next(e); {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
