// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils holds small filesystem helpers.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// Exists reports whether f exists.  It panics on errors other than
// os.ErrNotExist.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// EnsureDir creates dir with mode if needed and checks that an existing dir
// is not accessible to group or other.
func EnsureDir(dir string, mode os.FileMode) error {
	fi, err := os.Lstat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() dir: %w", err)
		}
		return os.MkdirAll(dir, mode)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%v is not a directory", dir)
	}
	if fi.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("invalid permissions on %v: %v", dir, fi.Mode().Perm())
	}
	return nil
}
