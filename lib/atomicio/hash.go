// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package atomicio

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HashFile computes the SHA256 digest of the file at path. The file is
// streamed through the hash function in chunks (via io.Copy) to keep
// memory usage constant regardless of file size.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// FormatDigest returns the hex-encoded string representation of a
// SHA256 digest. This is the canonical format used in staged-asset
// manifests, Java tree checksums, and log output.
func FormatDigest(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest parses a hex-encoded SHA256 digest string into a
// 32-byte array. Returns an error if the string is not a valid
// 64-character hex encoding of 32 bytes.
func ParseDigest(hexString string) ([32]byte, error) {
	var digest [32]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("hash digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// NewHasher returns a streaming hash for the named algorithm. The
// supported names are the ones pack manifests and release metadata
// declare: "sha1", "sha256", and "sha512".
func NewHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// VerifyBytes checks data against a declared hex digest under the named
// algorithm. A mismatch is an error that includes both digests so the
// operator can tell a truncated download from a wrong manifest.
func VerifyBytes(algorithm, expectedHex string, data []byte) error {
	hasher, err := NewHasher(algorithm)
	if err != nil {
		return err
	}
	hasher.Write(data)
	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expectedHex) {
		return fmt.Errorf("%s mismatch: declared %s, got %s", algorithm, expectedHex, actual)
	}
	return nil
}

// TreeHash computes a deterministic SHA256 digest over every regular
// file under root: sorted relative paths, each path and its content fed
// through a single hash. Entries whose base name appears in exclude are
// skipped, so a stored checksum file does not hash itself.
//
// Used to re-verify an extracted JDK tree against the checksum persisted
// at install time.
func TreeHash(root string, exclude ...string) ([32]byte, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var relativePaths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() || excluded[entry.Name()] {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relativePaths = append(relativePaths, relative)
		return nil
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(relativePaths)

	hasher := sha256.New()
	for _, relative := range relativePaths {
		// Separate the path from the content with a NUL so that moving
		// bytes between a filename and a file cannot collide.
		hasher.Write([]byte(relative))
		hasher.Write([]byte{0})

		file, err := os.Open(filepath.Join(root, relative))
		if err != nil {
			return [32]byte{}, fmt.Errorf("opening %s for tree hash: %w", relative, err)
		}
		if _, err := io.Copy(hasher, file); err != nil {
			file.Close()
			return [32]byte{}, fmt.Errorf("hashing %s: %w", relative, err)
		}
		file.Close()
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
