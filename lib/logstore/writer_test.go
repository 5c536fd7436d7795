// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"testing"
	"time"
)

func TestWriterSplitsAndBuffersLines(t *testing.T) {
	store := New(10)
	now := func() time.Time { return time.UnixMilli(1000) }
	writer := store.Writer(Stderr, now)

	writer.Write([]byte(`{"level":"INFO"}` + "\npartial"))
	if store.Len() != 1 {
		t.Fatalf("lines = %d, want 1 (partial buffered)", store.Len())
	}
	writer.Write([]byte(" rest\n\n"))
	lines := store.Tail(10)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[1].Line != "partial rest" {
		t.Errorf("second line = %q", lines[1].Line)
	}
	if lines[0].AtMs != 1000 || lines[0].Stream != Stderr {
		t.Errorf("line metadata = %+v", lines[0])
	}
}
