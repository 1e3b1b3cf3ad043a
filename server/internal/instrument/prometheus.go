// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exports node metrics to prometheus.
package instrument

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fern_handshakes_total",
			Help: "Number of secret handshakes by role and result",
		},
		[]string{"role", "result"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fern_connections_total",
			Help: "Number of established connections by kind",
		},
		[]string{"kind"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fern_rpc_requests_total",
			Help: "Number of RPC requests served by name",
		},
		[]string{"name"},
	)
	handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fern_rpc_handler_errors_total",
			Help: "Number of RPC handler failures by name",
		},
		[]string{"name"},
	)
	entriesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fern_entries_appended_total",
			Help: "Number of entries published locally",
		},
	)
	entriesReplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fern_entries_replicated_total",
			Help: "Number of entries fetched from peers and stored",
		},
	)
	chainViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fern_chain_violations_total",
			Help: "Number of entries rejected at the append boundary",
		},
	)
	discoveredPeers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fern_discovered_peers_total",
			Help: "Number of valid discovery announcements received",
		},
	)
)

func init() {
	prometheus.MustRegister(handshakes)
	prometheus.MustRegister(connections)
	prometheus.MustRegister(requests)
	prometheus.MustRegister(handlerErrors)
	prometheus.MustRegister(entriesAppended)
	prometheus.MustRegister(entriesReplicated)
	prometheus.MustRegister(chainViolations)
	prometheus.MustRegister(discoveredPeers)
}

// StartPrometheusListener serves /metrics on addr until the returned
// function is called.
func StartPrometheusListener(addr string, log *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Noticef("Serving metrics on: %v", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// Handshake counts a finished secret handshake.
func Handshake(isInitiator bool, err error) {
	role := "responder"
	if isInitiator {
		role = "initiator"
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	handshakes.With(prometheus.Labels{"role": role, "result": result}).Inc()
}

// Connection counts an established connection of the given kind.
func Connection(kind string) {
	connections.With(prometheus.Labels{"kind": kind}).Inc()
}

// Request counts a served RPC request.
func Request(name string) {
	requests.With(prometheus.Labels{"name": name}).Inc()
}

// HandlerError counts a failed RPC handler.
func HandlerError(name string) {
	handlerErrors.With(prometheus.Labels{"name": name}).Inc()
}

// EntriesAppended counts locally published entries.
func EntriesAppended(n int) {
	entriesAppended.Add(float64(n))
}

// EntriesReplicated counts entries stored from peers.
func EntriesReplicated(n int) {
	entriesReplicated.Add(float64(n))
}

// ChainViolation counts a rejected entry.
func ChainViolation() {
	chainViolations.Inc()
}

// DiscoveredPeer counts a valid discovery announcement.
func DiscoveredPeer() {
	discoveredPeers.Inc()
}
