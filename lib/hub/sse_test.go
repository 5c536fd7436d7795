// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func streamOf(wire string) *EventStream {
	return newEventStream(io.NopCloser(strings.NewReader(wire)))
}

func TestNextParsesEventAndData(t *testing.T) {
	stream := streamOf("event: pack-update\ndata: {\"pack_id\":\"atlas/sky\"}\n\n")

	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Type != "pack-update" {
		t.Fatalf("type = %q", event.Type)
	}
	if string(event.Data) != `{"pack_id":"atlas/sky"}` {
		t.Fatalf("data = %q", event.Data)
	}

	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last event, got %v", err)
	}
}

func TestNextJoinsMultiLineData(t *testing.T) {
	stream := streamOf("data: first\ndata: second\n\n")

	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(event.Data) != "first\nsecond" {
		t.Fatalf("data = %q", event.Data)
	}
	if event.Type != "" {
		t.Fatalf("type = %q, want empty", event.Type)
	}
}

func TestNextSkipsCommentsAndKeepAlives(t *testing.T) {
	stream := streamOf(": keep-alive\n\n: another\nevent: ready\ndata: {}\n\n")

	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Type != ReadyEventType {
		t.Fatalf("type = %q, want ready", event.Type)
	}
}

func TestNextReportsTruncatedEvent(t *testing.T) {
	stream := streamOf("event: pack-update\ndata: {\"pack_id\"")

	if _, err := stream.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("truncated event should error, got %v", err)
	}
}
