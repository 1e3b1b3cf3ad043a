// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	s := NewStream(&buf, 0)

	require.NoError(s.SendJSON(20, map[string]string{"content": "hello"}, 0))

	raw := buf.Bytes()
	require.Len(raw, HeaderSize+len(`{"content":"hello"}`))
	assert.Equal(byte(FlagJSON), raw[0])
	assert.Equal(uint32(len(raw)-HeaderSize), binary.BigEndian.Uint32(raw[1:5]))
	assert.Equal(uint32(20), binary.BigEndian.Uint32(raw[5:9]))

	f, err := s.Next()
	require.NoError(err)
	assert.True(f.Alive())
	assert.Equal(int32(20), f.RequestID)
	assert.False(f.IsStream)
	assert.False(f.IsError)
	assert.False(f.EndOfStream)
	assert.True(f.Body.IsJSON())

	var got map[string]string
	require.NoError(f.Decode(&got))
	assert.Equal(map[string]string{"content": "hello"}, got)
}

func TestFrameFlagsAndRaw(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	s := NewStream(&buf, 0)

	require.NoError(s.SendRaw(-7, []byte{0, 1, 2}, FlagStream|FlagEndOfStream|FlagError))
	assert.Equal(byte(FlagStream|FlagEndOfStream|FlagError), buf.Bytes()[0])
	assert.Equal([]byte{0xff, 0xff, 0xff, 0xf9}, buf.Bytes()[5:9])

	f, err := s.Next()
	require.NoError(err)
	assert.Equal(int32(-7), f.RequestID)
	assert.True(f.IsStream)
	assert.True(f.IsError)
	assert.True(f.EndOfStream)
	assert.False(f.Body.IsJSON())
	assert.Equal([]byte{0, 1, 2}, f.Body.Bytes())
	assert.ErrorIs(f.Decode(new(interface{})), ErrNotJSON)
}

func TestGoodbye(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	s := NewStream(&buf, 0)
	assert.Equal(StateOpen, s.State())

	require.NoError(s.Goodbye())
	assert.Equal(make([]byte, HeaderSize), buf.Bytes())
	assert.Equal(StateClosing, s.State())
	assert.ErrorIs(s.Goodbye(), ErrClosed)
	assert.ErrorIs(s.SendJSON(1, true, 0), ErrClosed)

	f, err := s.Next()
	require.NoError(err)
	assert.False(f.Alive())
	assert.Equal(StateClosed, s.State())
	first := f

	// Nothing more is read once the terminator has been seen.
	buf.WriteString("garbage")
	f, err = s.Next()
	require.NoError(err)
	assert.False(f.Alive())
	assert.NotSame(first, f)
	assert.Equal(7, buf.Len())
}

func TestProtocolErrors(t *testing.T) {
	assert := assert.New(t)

	s := NewStream(&bytes.Buffer{}, 0)
	assert.ErrorIs(s.SendRaw(1, nil, 0), ErrProtocol)
	assert.ErrorIs(s.SendRaw(1, []byte("x"), FlagEndOfStream), ErrProtocol)

	mk := func(flags byte, length uint32, payload string) *Stream {
		b := make([]byte, HeaderSize)
		b[0] = flags
		binary.BigEndian.PutUint32(b[1:5], length)
		binary.BigEndian.PutUint32(b[5:9], 1)
		return NewStream(bytes.NewBuffer(append(b, payload...)), 16)
	}

	_, err := mk(0x10, 1, "x").Next()
	assert.ErrorIs(err, ErrProtocol)

	_, err = mk(byte(FlagEndOfStream), 1, "x").Next()
	assert.ErrorIs(err, ErrProtocol)

	_, err = mk(0, 17, "01234567890123456").Next()
	assert.ErrorIs(err, ErrProtocol)

	_, err = mk(byte(FlagJSON), 3, "{x}").Next()
	assert.ErrorIs(err, ErrProtocol)

	_, err = mk(0, 5, "ab").Next()
	assert.ErrorIs(err, io.ErrUnexpectedEOF)

	f, err := mk(0, 16, "0123456789012345").Next()
	assert.NoError(err)
	assert.Equal("0123456789012345", string(f.Body.Bytes()))
}

func TestJSONIsDeterministic(t *testing.T) {
	a, err := JSON(map[string]interface{}{"b": 1, "a": []int{1, 2}, "c": map[string]int{"z": 1, "y": 2}})
	require.NoError(t, err)
	b, err := JSON(map[string]interface{}{"c": map[string]int{"y": 2, "z": 1}, "a": []int{1, 2}, "b": 1})
	require.NoError(t, err)
	require.Equal(t, a.Bytes(), b.Bytes())
}
