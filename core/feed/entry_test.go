// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package feed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fern-gossip/fern/core/crypto/identity"
)

func buildChain(t *testing.T, author *identity.LocalIdentity, n int) []*Entry {
	var entries []*Entry
	prev := ""
	for i := 1; i <= n; i++ {
		e, err := Build(author, prev, uint64(i), 1700000000+int64(i), "post", Bytes([]byte("entry")))
		require.NoError(t, err)
		entries = append(entries, e)
		prev = e.ID
	}
	return entries
}

func TestEntryChain(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	author, err := identity.Generate(nil)
	require.NoError(err)
	entries := buildChain(t, author, 3)

	for _, e := range entries {
		assert.True(e.Verify(nil))
		assert.True(e.Verify(author.Identity()))
		assert.True(ValidID(e.ID))
	}
	assert.Equal("", entries[0].Prev)
	assert.Equal(entries[0].ID, entries[1].Prev)
	assert.Equal(entries[1].ID, entries[2].Prev)

	tip, err := CheckChain(Tip{}, entries)
	require.NoError(err)
	assert.Equal(Tip{ID: entries[2].ID, Seq: 3}, tip)
}

func TestEntryMutation(t *testing.T) {
	author, err := identity.Generate(nil)
	require.NoError(t, err)
	other, err := identity.Generate(nil)
	require.NoError(t, err)

	mutations := map[string]func(e *Entry){
		"timestamp": func(e *Entry) { e.Timestamp++ },
		"type":      func(e *Entry) { e.Type = "spam" },
		"data":      func(e *Entry) { e.Data = Bytes([]byte("other")) },
		"seq":       func(e *Entry) { e.Seq = 7 },
		"prev":      func(e *Entry) { e.Prev = e.ID },
		"author":    func(e *Entry) { e.Author = other.Identity() },
		"id":        func(e *Entry) { e.ID = e.Prev },
	}
	for name, mutate := range mutations {
		entries := buildChain(t, author, 2)
		e := entries[1]
		mutate(e)
		assert.False(t, e.Verify(nil), name)
	}

	entries := buildChain(t, author, 1)
	assert.False(t, entries[0].Verify(other.Identity()))
}

func TestChainViolation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	author, err := identity.Generate(nil)
	require.NoError(err)
	entries := buildChain(t, author, 2)
	tip := TipOf(entries[0])

	// Sequence 2 whose prev is not entry 1.
	forged, err := Build(author, entries[1].ID, 2, 0, "post", Bytes(nil))
	require.NoError(err)
	err = CheckNext(tip, forged)
	assert.ErrorIs(err, ErrChainViolation)
	var cv *ChainViolationError
	require.ErrorAs(err, &cv)
	assert.True(cv.Author.Equal(author.Identity()))

	// A gap.
	entries3 := buildChain(t, author, 3)
	assert.ErrorIs(CheckNext(Tip{}, entries3[1]), ErrChainViolation)

	// Bad signature.
	bad := *entries[1]
	bad.Type = "edited"
	assert.ErrorIs(CheckNext(tip, &bad), ErrChainViolation)

	assert.NoError(CheckNext(tip, entries[1]))
	assert.NoError(CheckNext(Tip{}, entries[0]))
}

func TestBuildRejectsInconsistentLink(t *testing.T) {
	author, err := identity.Generate(nil)
	require.NoError(t, err)
	first := buildChain(t, author, 1)[0]

	_, err = Build(author, first.ID, 1, 0, "post", Bytes(nil))
	assert.ErrorIs(t, err, ErrChainViolation)
	_, err = Build(author, "", 2, 0, "post", Bytes(nil))
	assert.ErrorIs(t, err, ErrChainViolation)
	_, err = Build(author, "", 0, 0, "post", Bytes(nil))
	assert.ErrorIs(t, err, ErrChainViolation)
	_, err = Build(author, "%nope", 2, 0, "post", Bytes(nil))
	assert.ErrorIs(t, err, ErrChainViolation)
}

func TestMessageRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	author, err := identity.Generate(nil)
	require.NoError(err)

	structured, err := Structured(map[string]interface{}{"text": "héllo", "tags": []string{"a", "b"}, "n": 3})
	require.NoError(err)
	e1, err := Build(author, "", 1, 42, "note", structured)
	require.NoError(err)
	e2, err := Build(author, e1.ID, 2, 43, "post", Bytes([]byte{0, 1, 2, 255}))
	require.NoError(err)

	for _, e := range []*Entry{e1, e2} {
		msg, err := e.Message()
		require.NoError(err)

		parsed, err := FromMessage(msg)
		require.NoError(err)
		assert.Equal(e.ID, parsed.ID)
		assert.True(parsed.Verify(author.Identity()))

		// Compact JSON produced by a JSON library is accepted as well.
		wrapped, err := json.Marshal(map[string]*Entry{"entry": e})
		require.NoError(err)
		var back map[string]*Entry
		require.NoError(json.Unmarshal(wrapped, &back))
		assert.Equal(e.ID, back["entry"].ID)
	}

	raw, ok := e2.Data.Raw()
	require.True(ok)
	assert.Equal([]byte{0, 1, 2, 255}, raw)

	var note struct {
		Text string   `json:"text"`
		Tags []string `json:"tags"`
		N    int      `json:"n"`
	}
	require.NoError(e1.Data.Decode(&note))
	assert.Equal("héllo", note.Text)
	assert.Equal(3, note.N)

	msg, err := e1.Message()
	require.NoError(err)
	for _, c := range msg {
		assert.Less(c, byte(0x80))
	}
	assert.Contains(string(msg), `"prev": null`)
}

func TestFromMessageMalformed(t *testing.T) {
	author, err := identity.Generate(nil)
	require.NoError(t, err)
	e := buildChain(t, author, 1)[0]
	msg, err := e.Message()
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &m))

	for name, mutate := range map[string]func(map[string]interface{}){
		"extra":   func(m map[string]interface{}) { m["extra"] = 1 },
		"missing": func(m map[string]interface{}) { delete(m, "sig") },
		"seq":     func(m map[string]interface{}) { m["seq"] = "one" },
		"float":   func(m map[string]interface{}) { m["timestamp"] = 1.5 },
		"author":  func(m map[string]interface{}) { m["author"] = "@bad" },
		"data":    func(m map[string]interface{}) { m["data"] = "!!!" },
		"prev":    func(m map[string]interface{}) { m["prev"] = 5 },
	} {
		c := map[string]interface{}{}
		for k, v := range m {
			c[k] = v
		}
		mutate(c)
		b, err := json.Marshal(c)
		require.NoError(t, err)
		_, err = FromMessage(b)
		assert.Error(t, err, name)
	}

	_, err = FromMessage([]byte("[]"))
	assert.ErrorIs(t, err, ErrMalformedEntry)
}

func TestStructuredRejectsString(t *testing.T) {
	_, err := Structured("text")
	require.ErrorIs(t, err, ErrStringData)
	_, err = Structured(map[string]float64{"x": 0.5})
	require.ErrorIs(t, err, ErrNonCanonical)
}

func TestCanonicalDeterminism(t *testing.T) {
	author, err := identity.Generate(nil)
	require.NoError(t, err)

	d1, err := Structured(map[string]interface{}{"a": 1, "b": map[string]interface{}{"y": 2, "x": 1}})
	require.NoError(t, err)
	d2, err := Structured(map[string]interface{}{"b": map[string]interface{}{"x": 1, "y": 2}, "a": 1})
	require.NoError(t, err)

	e1, err := Build(author, "", 1, 5, "t", d1)
	require.NoError(t, err)
	e2, err := Build(author, "", 1, 5, "t", d2)
	require.NoError(t, err)

	m1, err := e1.Message()
	require.NoError(t, err)
	m2, err := e2.Message()
	require.NoError(t, err)
	require.Equal(t, m1, m2)
	require.Equal(t, e1.Sig, e2.Sig)
	require.Equal(t, e1.ID, e2.ID)
}
