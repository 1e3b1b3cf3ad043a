// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.normalized()
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	require.Equal(t, DefaultBaseDelay, p.BaseDelay)
	require.Equal(t, DefaultMaxDelay, p.MaxDelay)
	require.Equal(t, DefaultJitter, p.Jitter)

	p = Policy{Jitter: 0.5}.normalized()
	require.Equal(t, 0.5, p.Jitter)
	p = Policy{Jitter: 1.5}.normalized()
	require.Equal(t, DefaultJitter, p.Jitter)
}

func TestPolicyDelayJitters(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	seen := make(map[time.Duration]bool)
	for i := 0; i < 64; i++ {
		d := p.Delay(0)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
		seen[d] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.False(IsTransientError(errors.New("shs: handshake failed")))
	require.False(IsTransientError(context.Canceled))
	require.True(IsTransientError(io.EOF))
	require.True(IsTransientError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	require.True(IsTransientError(errors.New("read tcp: i/o timeout")))
	require.True(IsTransientError(context.DeadlineExceeded))
}

func TestDo(t *testing.T) {
	require := require.New(t)
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Jitter: 0.1}

	calls := 0
	err := Do(context.Background(), p, func(int) error {
		calls++
		if calls < 2 {
			return io.EOF
		}
		return nil
	})
	require.NoError(err)
	require.Equal(2, calls)

	calls = 0
	err = Do(context.Background(), p, func(int) error {
		calls++
		return io.EOF
	})
	require.ErrorIs(err, ErrExhausted)
	require.ErrorIs(err, io.EOF)
	require.Equal(3, calls)

	permanent := errors.New("bad peer")
	calls = 0
	err = Do(context.Background(), p, func(int) error {
		calls++
		return permanent
	})
	require.ErrorIs(err, permanent)
	require.Equal(1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	err = Do(ctx, slow, func(int) error { return io.EOF })
	require.ErrorIs(err, context.Canceled)
}
