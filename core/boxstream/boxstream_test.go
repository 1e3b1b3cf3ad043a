// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package boxstream

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/shs"
)

func nonceAdd(n [NonceSize]byte, k int64) [NonceSize]byte {
	mod := new(big.Int).Lsh(big.NewInt(1), 8*NonceSize)
	v := new(big.Int).SetBytes(n[:])
	v.Add(v, big.NewInt(k))
	v.Mod(v, mod)
	var out [NonceSize]byte
	v.FillBytes(out[:])
	return out
}

func randomNonce(t *testing.T) [NonceSize]byte {
	var n [NonceSize]byte
	_, err := rand.Read(n[:])
	require.NoError(t, err)
	return n
}

func newPair(t *testing.T) (*Stream, *Stream) {
	var key [KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	a, b := randomNonce(t), randomNonce(t)

	c1, c2 := net.Pipe()
	s1 := New(c1, key, a, b)
	s2 := New(c2, key, b, a)
	t.Cleanup(func() {
		s1.Close()
		s2.Close()
	})
	return s1, s2
}

func TestIncrementNonce(t *testing.T) {
	assert := assert.New(t)

	var n [NonceSize]byte
	IncrementNonce(&n)
	assert.Equal(byte(1), n[NonceSize-1])

	n = [NonceSize]byte{}
	n[NonceSize-1] = 0xff
	IncrementNonce(&n)
	assert.Equal(byte(1), n[NonceSize-2])
	assert.Equal(byte(0), n[NonceSize-1])

	for i := range n {
		n[i] = 0xff
	}
	IncrementNonce(&n)
	assert.Equal([NonceSize]byte{}, n)

	r := randomNonce(t)
	want := nonceAdd(r, 1)
	IncrementNonce(&r)
	assert.Equal(want, r)
}

func TestChunkedRoundTrip(t *testing.T) {
	require := require.New(t)
	s1, s2 := newPair(t)

	msg := make([]byte, 3*MaxSegmentSize+123)
	_, err := rand.Read(msg)
	require.NoError(err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := s1.Write(msg)
		require.NoError(err)
		require.Equal(len(msg), n)
	}()

	var got bytes.Buffer
	sizes := []int{1, 7, 4096, 5000, 33, 1 << 14}
	for i := 0; got.Len() < len(msg); i++ {
		want := sizes[i%len(sizes)]
		if rem := len(msg) - got.Len(); want > rem {
			want = rem
		}
		buf := make([]byte, want)
		_, err := io.ReadFull(s2, buf)
		require.NoError(err)
		got.Write(buf)
	}
	wg.Wait()
	require.Equal(msg, got.Bytes())
}

func TestNonceMonotonicity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s1, s2 := newPair(t)

	send0, recv0 := s1.SendNonce(), s2.RecvNonce()
	require.Equal(send0, recv0)

	const writes = 5
	go func() {
		for i := 0; i < writes; i++ {
			s1.Write([]byte("frame"))
		}
	}()

	buf := make([]byte, 5)
	for i := 0; i < writes; i++ {
		_, err := io.ReadFull(s2, buf)
		require.NoError(err)
		assert.Equal(nonceAdd(recv0, int64(2*(i+1))), s2.RecvNonce())
	}
	assert.Equal(nonceAdd(send0, 2*writes), s1.SendNonce())
	assert.Equal(s1.SendNonce(), s2.RecvNonce())

	// The other direction is untouched.
	assert.Equal(s2.SendNonce(), s1.RecvNonce())
}

func TestTamperedFrame(t *testing.T) {
	require := require.New(t)

	var key [KeySize]byte
	n := randomNonce(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	reader := New(c2, key, n, n)
	defer reader.Close()

	go func() {
		var tmp bytes.Buffer
		w := New(nopCloser{&tmp}, key, n, n)
		w.Write([]byte("hello"))
		frame := tmp.Bytes()
		frame[len(frame)-1] ^= 0x80
		c1.Write(frame)
	}()

	buf := make([]byte, 5)
	_, err := reader.Read(buf)
	require.ErrorIs(err, ErrStreamCorruption)

	_, err = reader.Read(buf)
	require.ErrorIs(err, ErrInvalidState)
}

func TestInvalidLength(t *testing.T) {
	require := require.New(t)

	var key [KeySize]byte
	n := randomNonce(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	reader := New(c2, key, n, n)
	defer reader.Close()

	go func() {
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], MaxSegmentSize+1)
		c1.Write(secretbox.Seal(nil, hdr[:], &n, &key))
	}()

	_, err := reader.Read(make([]byte, 1))
	require.ErrorIs(err, ErrStreamCorruption)
}

func TestCloseEndsReads(t *testing.T) {
	s1, s2 := newPair(t)
	s1.Close()
	_, err := s2.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	_, err = s2.Write([]byte("x"))
	require.Error(t, err)
}

func TestOverHandshake(t *testing.T) {
	require := require.New(t)

	alice, err := identity.Generate(nil)
	require.NoError(err)
	bob, err := identity.Generate(nil)
	require.NoError(err)

	c1, c2 := net.Pipe()
	var wg sync.WaitGroup
	var rRes *shs.Result
	var rErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		rRes, rErr = shs.Respond(c2, bob, nil)
	}()
	iRes, err := shs.Initiate(c1, alice, bob.Identity())
	require.NoError(err)
	wg.Wait()
	require.NoError(rErr)

	s1, s2 := FromHandshake(c1, iRes), FromHandshake(c2, rRes)
	defer s1.Close()
	defer s2.Close()

	go s1.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err = io.ReadFull(s2, buf)
	require.NoError(err)
	require.Equal("ping", string(buf))

	go s2.Write([]byte("pong"))
	_, err = io.ReadFull(s1, buf)
	require.NoError(err)
	require.Equal("pong", string(buf))
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }
