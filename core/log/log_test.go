// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	for _, l := range Levels {
		_, err := ParseLevel(l)
		require.NoError(err, l)
	}
	_, err := ParseLevel("debug")
	require.NoError(err)
	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "fern.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Info("first line")
	l.Debug("suppressed")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())

	b.GetLogWriter("writer", "NOTICE").Write([]byte("second line\n"))

	old, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(old), "test: first line")
	require.NotContains(string(old), "suppressed")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "writer: second line")
}

func TestBackendDisabled(t *testing.T) {
	require := require.New(t)

	b, err := New("", "DEBUG", true)
	require.NoError(err)
	b.GetLogger("quiet").Error("goes nowhere")
	b.GetGoLogger("quiet", "WARNING").Println("also nowhere")
	require.NoError(b.Rotate())
}
