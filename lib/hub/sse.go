// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Event is one server-sent event. Type is the `event:` field (empty
// when the server sent none); Data is the concatenated `data:` lines.
type Event struct {
	Type string
	Data []byte
}

// ReadyEventType is the sentinel the Hub emits immediately after a
// stream connects, confirming liveness. Watchers treat it as a
// successful connection signal and otherwise ignore it.
const ReadyEventType = "ready"

// EventStream parses text/event-stream from an HTTP response body.
// Not safe for concurrent use; one goroutine owns a stream.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &EventStream{body: body, scanner: scanner}
}

// Next blocks until the next complete event arrives. Returns io.EOF
// when the server closes the stream cleanly.
//
// The parser handles the subset of the SSE wire format the Hub emits:
// `event:`, `data:` (possibly multi-line), comments (`:`), and blank
// line dispatch. Other fields (`id:`, `retry:`) are ignored.
func (s *EventStream) Next() (Event, error) {
	var event Event
	var data [][]byte
	sawField := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if !sawField {
				// Leading keep-alive blank line; keep reading.
				continue
			}
			event.Data = bytes.Join(data, []byte("\n"))
			return event, nil
		}

		if strings.HasPrefix(line, ":") {
			// Comment / keep-alive.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Type = value
			sawField = true
		case "data":
			data = append(data, []byte(value))
			sawField = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("reading event stream: %w", err)
	}
	if sawField {
		// Stream ended mid-event; surface what we have as truncation.
		return Event{}, fmt.Errorf("event stream ended mid-event")
	}
	return Event{}, io.EOF
}

// Close tears down the underlying connection, unblocking Next.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// WhitelistEvent is the payload of a whitelist-change event.
type WhitelistEvent struct {
	PackID string `json:"pack_id"`
}

// PackUpdateEvent is the payload of a pack-build-published event.
type PackUpdateEvent struct {
	PackID  string `json:"pack_id"`
	Channel string `json:"channel"`
	BuildID string `json:"build_id"`
}
