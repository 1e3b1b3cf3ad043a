// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import "gopkg.in/op/go-logging.v1"

// StartPrometheusListener does nothing
func StartPrometheusListener(addr string, log *logging.Logger) func() {
	log.Noticef("Metrics are disabled, not listening on: %v", addr)
	return func() {}
}

// Handshake does nothing
func Handshake(isInitiator bool, err error) {}

// Connection does nothing
func Connection(kind string) {}

// Request does nothing
func Request(name string) {}

// HandlerError does nothing
func HandlerError(name string) {}

// EntriesAppended does nothing
func EntriesAppended(n int) {}

// EntriesReplicated does nothing
func EntriesReplicated(n int) {}

// ChainViolation does nothing
func ChainViolation() {}

// DiscoveredPeer does nothing
func DiscoveredPeer() {}
