// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package packblob defines the serialized pack build bundle the Hub
// distributes and the daemon provisions from. A blob is a CBOR
// document, optionally zstd-compressed, carrying the pack metadata,
// the dependency manifest, and loose config files.
package packblob

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/atlas-hosting/runner/lib/codec"
)

// zstdMagic is the four-byte zstd frame magic (RFC 8878). Blobs
// starting with it are decompressed before CBOR decoding.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// PackBlob is one server build: metadata, dependency manifest, and
// loose files written verbatim into the server root. Immutable once
// decoded; the decoder returns a fresh value the caller owns.
type PackBlob struct {
	Metadata Metadata          `cbor:"metadata"`
	Manifest Manifest          `cbor:"manifest"`
	Files    map[string][]byte `cbor:"files,omitempty"`
}

// Metadata identifies the pack build and the runtime it targets.
type Metadata struct {
	PackID           string `cbor:"pack_id"`
	Version          string `cbor:"version"`
	MinecraftVersion string `cbor:"minecraft_version"`
	Loader           string `cbor:"loader"`
	LoaderVersion    string `cbor:"loader_version"`
}

// Manifest lists the downloadable dependencies of the build.
type Manifest struct {
	Dependencies []Dependency `cbor:"dependencies"`
}

// Dependency describes one provisioned file: where to fetch it, the
// digest it must match, and where it lands relative to the server root.
type Dependency struct {
	URL string `cbor:"url"`

	// Hash is the declared digest the downloaded bytes must match
	// before anything is written to the final path.
	Hash HashRef `cbor:"hash"`

	// PlatformFilter restricts the dependency to one OS ("linux",
	// "darwin", "windows"). Empty means all platforms.
	PlatformFilter string `cbor:"platform_filter,omitempty"`

	// Side is "client", "server", or "both". The daemon provisions
	// only server-side dependencies.
	Side string `cbor:"side"`

	// PointerPath is the server-root-relative destination path.
	PointerPath string `cbor:"pointer_path"`
}

// HashRef is an algorithm-qualified hex digest.
type HashRef struct {
	// Algorithm is "sha1", "sha256", or "sha512".
	Algorithm string `cbor:"algorithm"`
	Hex       string `cbor:"hex"`
}

// ServerSide reports whether the dependency is needed on a server
// install ("server" or "both").
func (d Dependency) ServerSide() bool {
	return d.Side == "server" || d.Side == "both"
}

// AppliesTo reports whether the dependency's platform filter matches
// the given GOOS value. An empty filter matches every platform.
func (d Dependency) AppliesTo(goos string) bool {
	return d.PlatformFilter == "" || d.PlatformFilter == goos
}

// Decode parses a pack blob from its wire bytes. Compressed blobs are
// recognized by the zstd frame magic; everything else is decoded as
// bare CBOR.
func Decode(data []byte) (*PackBlob, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		reader, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("opening zstd frame: %w", err)
		}
		defer reader.Close()
		decompressed, err := reader.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing pack blob: %w", err)
		}
		data = decompressed
	}

	var blob PackBlob
	if err := codec.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decoding pack blob: %w", err)
	}
	if blob.Metadata.PackID == "" {
		return nil, fmt.Errorf("pack blob has no pack_id")
	}
	return &blob, nil
}

// Encode serializes a pack blob, zstd-compressing when compress is
// set. The CLI uses this to bundle local builds for `runner up`.
func Encode(blob *PackBlob, compress bool) ([]byte, error) {
	data, err := codec.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encoding pack blob: %w", err)
	}
	if !compress {
		return data, nil
	}

	writer, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := writer.EncodeAll(data, nil)
	writer.Close()
	return compressed, nil
}
