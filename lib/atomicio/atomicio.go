// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package atomicio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// WriteFile atomically writes data to path. The bytes are written to a
// temporary file in the same directory, fsynced for durability, and
// renamed into place. Readers never see a partial write, and a crash
// mid-write never leaves a half-written target file.
//
// The parent directory must already exist.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}

	// Write, sync, close — in that order. If any step fails, remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file for %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file for %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file for %s: %w", path, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	// Sync the parent directory so the rename survives power loss
	// between the rename and the OS flushing directory metadata.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// WriteFileIfChanged atomically writes data to path only when the
// current file content differs. Returns whether a write happened.
//
// The comparison is a BLAKE3 digest of both sides, so large unchanged
// files cost one read and no write. This is what makes re-applying an
// unchanged pack blob free of destructive writes.
func WriteFileIfChanged(path string, data []byte, perm os.FileMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil {
		if blake3.Sum256(existing) == blake3.Sum256(data) {
			return false, nil
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s for comparison: %w", path, err)
	}

	if err := WriteFile(path, data, perm); err != nil {
		return false, err
	}
	return true, nil
}

// SameContent reports whether data matches the current content of path
// byte-for-byte. A missing file never matches.
func SameContent(path string, data []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s for comparison: %w", path, err)
	}
	return bytes.Equal(existing, data), nil
}
