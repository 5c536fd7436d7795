// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{
		"minecraft_version": "1.21.1",
		"loader":            "fabric",
		"files":             []string{"server.properties", "config/a.toml"},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("repeated Marshal of the same value produced different bytes")
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type narrow struct {
		Name string `cbor:"name"`
	}
	data, err := Marshal(map[string]any{"name": "skyfall", "future_field": 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got narrow
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Name != "skyfall" {
		t.Errorf("Name = %q, want %q", got.Name, "skyfall")
	}
}

func TestDecodeIntoAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"extras": map[string]any{"memory_mb": 4096}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", got)
	}
	if _, ok := top["extras"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", top["extras"])
	}
}
