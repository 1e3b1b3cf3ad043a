// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fern-gossip/fern/core/crypto/identity"
)

// Request is a decoded RPC request.
type Request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`

	// Stream is set when the caller asked for a streamed response.
	Stream bool `json:"-"`

	// Peer is the authenticated remote identity, nil on unauthenticated
	// local connections.
	Peer *identity.Identity `json:"-"`
}

// Bind decodes the request arguments into v.  Missing arguments decode as
// an empty object.
func (r *Request) Bind(v interface{}) error {
	if len(r.Args) == 0 || string(r.Args) == "null" {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return fmt.Errorf("invalid arguments for '%s': %v", r.Name, err)
	}
	return nil
}

// Sink receives the items of a streamed response.
type Sink interface {
	Send(v interface{}) error
}

// HandlerFunc serves one request.  For plain requests the returned value is
// the response; streaming handlers push items into sink and return nil.  A
// non-nil error is reported to the caller as an error frame.
type HandlerFunc func(ctx context.Context, req *Request, sink Sink) (interface{}, error)

// Mux maps request names to handlers.  It is populated at startup and only
// read afterwards.
type Mux struct {
	handlers map[string]HandlerFunc
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h under name.  Registering a name twice panics.
func (m *Mux) Handle(name string, h HandlerFunc) {
	if _, ok := m.handlers[name]; ok {
		panic("muxrpc: duplicate handler for " + name)
	}
	m.handlers[name] = h
}

// RegisterGroup registers each entry of group as prefix.name.
func (m *Mux) RegisterGroup(prefix string, group map[string]HandlerFunc) {
	for name, h := range group {
		if prefix != "" {
			name = prefix + "." + name
		}
		m.Handle(name, h)
	}
}

// Lookup returns the handler registered for name.
func (m *Mux) Lookup(name string) (HandlerFunc, bool) {
	if m == nil {
		return nil, false
	}
	h, ok := m.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (m *Mux) Names() []string {
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
