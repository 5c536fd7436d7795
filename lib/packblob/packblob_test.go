// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package packblob

import (
	"testing"
)

func testBlob() *PackBlob {
	return &PackBlob{
		Metadata: Metadata{
			PackID:           "atlas/skyfactory",
			Version:          "5.1.0",
			MinecraftVersion: "1.20.1",
			Loader:           "neoforge",
			LoaderVersion:    "47.1.84",
		},
		Manifest: Manifest{
			Dependencies: []Dependency{
				{
					URL:         "https://cdn.example.com/mods/create.jar",
					Hash:        HashRef{Algorithm: "sha512", Hex: "abc123"},
					Side:        "both",
					PointerPath: "current/mods/create.jar",
				},
				{
					URL:            "https://cdn.example.com/mods/shaders.jar",
					Hash:           HashRef{Algorithm: "sha1", Hex: "def456"},
					Side:           "client",
					PlatformFilter: "windows",
					PointerPath:    "current/mods/shaders.jar",
				},
			},
		},
		Files: map[string][]byte{
			"current/config/server.toml": []byte("render_distance = 10\n"),
		},
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		encoded, err := Encode(testBlob(), compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v): %v", compress, err)
		}

		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(compress=%v): %v", compress, err)
		}
		if decoded.Metadata.PackID != "atlas/skyfactory" {
			t.Fatalf("pack id lost: %q", decoded.Metadata.PackID)
		}
		if len(decoded.Manifest.Dependencies) != 2 {
			t.Fatalf("dependencies lost: %d", len(decoded.Manifest.Dependencies))
		}
		if string(decoded.Files["current/config/server.toml"]) != "render_distance = 10\n" {
			t.Fatalf("file content lost (compress=%v)", compress)
		}
	}
}

func TestDecodeRejectsMissingPackID(t *testing.T) {
	encoded, err := Encode(&PackBlob{}, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded); err == nil {
		t.Fatal("blob without pack_id accepted")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not cbor at all")); err == nil {
		t.Fatal("garbage accepted as pack blob")
	}
}

func TestDependencySideAndPlatform(t *testing.T) {
	blob := testBlob()
	server := blob.Manifest.Dependencies[0]
	client := blob.Manifest.Dependencies[1]

	if !server.ServerSide() {
		t.Fatal("side=both should be server-side")
	}
	if client.ServerSide() {
		t.Fatal("side=client should not be server-side")
	}
	if !server.AppliesTo("linux") {
		t.Fatal("empty platform filter should match linux")
	}
	if client.AppliesTo("linux") {
		t.Fatal("windows-only dependency matched linux")
	}
	if !client.AppliesTo("windows") {
		t.Fatal("windows-only dependency should match windows")
	}
}
