// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const secretFileMode = 0600

// Store writes the exported private key to path.
func (l *LocalIdentity) Store(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	b := append(l.ExportPrivate(), '\n')
	return os.WriteFile(path, b, secretFileMode)
}

// Load reads a private key written by Store.
func Load(path string) (*LocalIdentity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ImportPrivate(b)
	if err != nil {
		return nil, fmt.Errorf("identity: %v: %w", path, err)
	}
	return l, nil
}

// LoadOrGenerate loads the key at path, generating and storing a fresh one
// from r when the file does not exist.
func LoadOrGenerate(path string, r io.Reader) (*LocalIdentity, bool, error) {
	l, err := Load(path)
	switch {
	case err == nil:
		return l, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, err
	}

	if l, err = Generate(r); err != nil {
		return nil, false, err
	}
	if err = l.Store(path); err != nil {
		return nil, false, err
	}
	return l, true, nil
}
