// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"bytes"
	"sync"
	"time"
)

// Writer adapts the store to io.Writer so the daemon's own structured
// log output can be teed into it alongside stderr. Each
// newline-terminated chunk becomes one stored line; a trailing partial
// line is buffered until its newline arrives.
type Writer struct {
	store  *Store
	stream Stream
	now    func() time.Time

	mu      sync.Mutex
	partial []byte
}

// Writer returns an io.Writer feeding this store.
func (s *Store) Writer(stream Stream, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{store: s, stream: stream, now: now}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		index := bytes.IndexByte(w.partial, '\n')
		if index < 0 {
			break
		}
		line := string(w.partial[:index])
		w.partial = w.partial[index+1:]
		if line == "" {
			continue
		}
		w.store.Append(Line{AtMs: w.now().UnixMilli(), Stream: w.stream, Line: line})
	}
	return len(p), nil
}
