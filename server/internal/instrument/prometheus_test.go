// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

package instrument

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	before := testutil.ToFloat64(handshakes.WithLabelValues("initiator", "failed"))
	Handshake(true, errors.New("nope"))
	require.Equal(before+1, testutil.ToFloat64(handshakes.WithLabelValues("initiator", "failed")))

	before = testutil.ToFloat64(entriesAppended)
	EntriesAppended(3)
	require.Equal(before+3, testutil.ToFloat64(entriesAppended))

	before = testutil.ToFloat64(requests.WithLabelValues("feed.post"))
	Request("feed.post")
	require.Equal(before+1, testutil.ToFloat64(requests.WithLabelValues("feed.post")))
}
