// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fern-gossip/fern/core/crypto/identity"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range newRootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, n := range []string{"server", "keygen", "identity", "post", "follow", "unfollow", "publish", "digest", "follows", "history"} {
		require.True(t, names[n], n)
	}
}

func TestIdentityExamples(t *testing.T) {
	id, err := identity.Generate(nil)
	require.NoError(t, err)
	token := id.Identity().Token()

	checked := 0
	for _, c := range newRootCommand().Commands() {
		if !strings.Contains(c.Example, "@<base64 key>") {
			continue
		}
		example := strings.ReplaceAll(c.Example, "@<base64 key>", token)
		for _, field := range strings.Fields(example) {
			if strings.HasPrefix(field, "@") {
				_, err := identity.FromToken(field)
				require.NoError(t, err, c.Name())
				checked++
			}
		}
	}
	require.GreaterOrEqual(t, checked, 3)
}

func TestKeygenAndIdentity(t *testing.T) {
	require := require.New(t)
	secret := filepath.Join(t.TempDir(), "secret")

	out, err := execute(t, "keygen", "-o", secret)
	require.NoError(err)
	token := strings.TrimSpace(out)
	_, err = identity.FromToken(token)
	require.NoError(err)

	_, err = execute(t, "keygen", "-o", secret)
	require.Error(err)

	out, err = execute(t, "identity", "--secret", secret)
	require.NoError(err)
	require.Equal(token, strings.TrimSpace(out))

	out, err = execute(t, "identity", "--secret", secret, "--qr")
	require.NoError(err)
	require.True(strings.HasPrefix(out, token+"\n"))
	require.Greater(len(out), len(token)+1)
}

func TestFollowRejectsBadIdentity(t *testing.T) {
	_, err := execute(t, "follow", "not-an-identity", "--addr", "127.0.0.1:1")
	require.ErrorContains(t, err, "invalid argument")
}

func TestPublishData(t *testing.T) {
	require := require.New(t)

	require.Equal("plain text", publishData("plain text"))
	require.Equal("quoted", publishData(`"quoted"`))
	require.Equal("{broken", publishData("{broken"))
	require.Equal("1 2", publishData("1 2"))
	require.Equal(json.RawMessage(`{"name": "fern"}`), publishData(`{"name": "fern"}`))
	require.Equal(json.RawMessage(`42`), publishData(`42`))
}
