// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import "sync"

// Registry is the set of peer addresses with a connection in flight.  An
// address is acquired when dialing starts and released when the connection
// ends, so a peer that is announced repeatedly is dialed once.
type Registry struct {
	sync.Mutex

	inflight map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{inflight: make(map[string]struct{})}
}

// TryAcquire adds addr and reports true, unless it is already present.
func (r *Registry) TryAcquire(addr string) bool {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.inflight[addr]; ok {
		return false
	}
	r.inflight[addr] = struct{}{}
	return true
}

// Release removes addr.
func (r *Registry) Release(addr string) {
	r.Lock()
	defer r.Unlock()

	delete(r.inflight, addr)
}

// Len returns the number of addresses in flight.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()

	return len(r.inflight)
}
